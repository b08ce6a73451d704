package markets

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"moltybet/engine/library"
)

var errAlreadyResolved = errors.New("already resolved")

type document struct {
	SessionPrivateKey  string    `json:"sessionPrivateKey,omitempty"`
	SessionKeyEnvelope *Envelope `json:"sessionKeyEnvelope,omitempty"`
	Markets            []Market  `json:"markets"`
}

// Store keeps markets and the deployment's session key in one JSON file. Every mutation is a
// read-modify-write under the store lock, written atomically.
type Store struct {
	path       string
	passphrase string
	mu         *deadlock.Mutex
	now        func() time.Time
}

// OpenStore checks path is readable. With a passphrase the session key is sealed at rest.
func OpenStore(path, passphrase string) (*Store, error) {
	s := &Store{path: path, passphrase: passphrase, mu: &deadlock.Mutex{}, now: time.Now}
	if _, err := s.load(); err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) load() (document, error) {
	var doc document
	if err := library.ReadJSON(s.path, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

func (s *Store) save(doc document) error {
	if doc.Markets == nil {
		doc.Markets = []Market{}
	}
	return library.WriteJSON(s.path, doc, 0600)
}

// NewID is a fresh market id.
func NewID() library.MarketID {
	return "m_" + uuid.NewString()
}

// SessionKey returns the stored session secret, or "" if none has been stored.
func (s *Store) SessionKey() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return "", err
	}
	if doc.SessionKeyEnvelope != nil {
		if len(s.passphrase) == 0 {
			return "", fmt.Errorf("%w: session key is sealed and no passphrase is configured", ErrWrongPassphrase)
		}
		pt, err := doc.SessionKeyEnvelope.open(s.passphrase)
		if err != nil {
			return "", err
		}
		return string(pt), nil
	}
	return doc.SessionPrivateKey, nil
}

// SetSessionKey stores secret, sealed when the store has a passphrase.
func (s *Store) SetSessionKey(secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.SessionPrivateKey = ""
	doc.SessionKeyEnvelope = nil
	if len(s.passphrase) > 0 {
		env, err := seal(s.passphrase, []byte(secret))
		if err != nil {
			return err
		}
		doc.SessionKeyEnvelope = env
	} else {
		doc.SessionPrivateKey = secret
	}
	return s.save(doc)
}

// List returns every market, oldest first.
func (s *Store) List() ([]Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(doc.Markets, func(i, j int) bool {
		return doc.Markets[i].CreatedAt.Before(doc.Markets[j].CreatedAt)
	})
	return doc.Markets, nil
}

func (s *Store) Get(id library.MarketID) (Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Market{}, err
	}
	i := find(doc, id)
	if i < 0 {
		return Market{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc.Markets[i], nil
}

func find(doc document, id library.MarketID) int {
	for i, m := range doc.Markets {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Create appends m, assigning an id when it has none.
func (s *Store) Create(m Market) (Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Market{}, err
	}
	if len(m.ID) == 0 {
		m.ID = NewID()
	}
	if find(doc, m.ID) >= 0 {
		return Market{}, fmt.Errorf("market %s already exists", m.ID)
	}
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	doc.Markets = append(doc.Markets, m)
	if err := s.save(doc); err != nil {
		return Market{}, err
	}
	library.LogCLI(fmt.Sprintf("stored market %s (%s)", m.ID, m.Status), 4)
	return m, nil
}

// Update applies f to the stored market and persists the result unless f fails.
func (s *Store) Update(id library.MarketID, f func(m *Market) error) (Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return Market{}, err
	}
	i := find(doc, id)
	if i < 0 {
		return Market{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m := doc.Markets[i]
	if err := f(&m); err != nil {
		return Market{}, err
	}
	m.UpdatedAt = s.now()
	doc.Markets[i] = m
	if err := s.save(doc); err != nil {
		return Market{}, err
	}
	return m, nil
}

// BeginResolution flips a resolvable market to resolving. started is false when the market is
// already resolved; the stored record is returned unchanged.
func (s *Store) BeginResolution(id library.MarketID) (m Market, started bool, err error) {
	m, err = s.Update(id, func(m *Market) error {
		switch {
		case m.Status == StatusResolved:
			return errAlreadyResolved
		case m.Status == StatusResolving:
			return fmt.Errorf("%w: %s", ErrResolutionInProgress, m.ID)
		case !m.Status.Resolvable():
			return fmt.Errorf("%w: %s is %s", ErrNotResolvable, m.ID, m.Status)
		}
		m.Previous = m.Status
		m.Status = StatusResolving
		return nil
	})
	if errors.Is(err, errAlreadyResolved) {
		m, err = s.Get(id)
		return m, false, err
	}
	if err != nil {
		return Market{}, false, err
	}
	return m, true, nil
}

// ExpireOpen marks open markets whose window has passed at now as expired.
func (s *Store) ExpireOpen(now time.Time) ([]Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var expired []Market
	for i, m := range doc.Markets {
		if m.Status == StatusOpen && m.Expired(now) {
			doc.Markets[i].Status = StatusExpired
			doc.Markets[i].UpdatedAt = now
			expired = append(expired, doc.Markets[i])
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	return expired, s.save(doc)
}

// RecoverInterrupted marks markets left resolving by a previous process as close_uncertain:
// the close may have been sent.
func (s *Store) RecoverInterrupted() ([]Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	var recovered []Market
	for i, m := range doc.Markets {
		if m.Status == StatusResolving {
			doc.Markets[i].Status = StatusCloseUncertain
			doc.Markets[i].Error = "resolution interrupted"
			doc.Markets[i].UpdatedAt = s.now()
			recovered = append(recovered, doc.Markets[i])
		}
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	library.LogCLI(fmt.Sprintf("%d markets were left mid-resolution", len(recovered)), 2)
	return recovered, s.save(doc)
}
