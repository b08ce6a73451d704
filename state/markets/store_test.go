package markets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newStore(t *testing.T, passphrase string) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "state.json"), passphrase)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateGetList(t *testing.T) {
	s := newStore(t, "")
	p := prediction(Long, "2100", "1000000", "2")
	first, err := s.Create(Market{Prediction: p, Status: StatusOpen, Allocations: alloc("1000000", "1000000")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first.ID, "m_") {
		t.Fatalf("id %s", first.ID)
	}
	second, err := s.Create(Market{Prediction: p, Status: StatusOpenFailed, CreatedAt: first.CreatedAt.Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Prediction.TargetPrice.Equal(decimal.NewFromInt(2100)) || !got.Allocations.AmountOf(user, "usd").Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("round trip lost data: %+v", got)
	}
	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("list %+v", list)
	}
	if _, err := s.Get("m_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBeginResolutionOnce(t *testing.T) {
	s := newStore(t, "")
	m, err := s.Create(Market{Prediction: prediction(Long, "1", "1", "2"), Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	started, inProgress := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.BeginResolution(m.ID)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				started++
			}
			if errors.Is(err, ErrResolutionInProgress) {
				inProgress++
			}
		}()
	}
	wg.Wait()
	if started != 1 || inProgress != 7 {
		t.Fatalf("started %d, in progress %d", started, inProgress)
	}
	if _, err := s.Update(m.ID, func(m *Market) error {
		m.Status = StatusResolved
		m.Outcome = Win
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	again, ok, err := s.BeginResolution(m.ID)
	if err != nil || ok || again.Outcome != Win {
		t.Fatalf("resolved market: %+v %v %v", again, ok, err)
	}
}

func TestBeginResolutionRejectsFailedOpen(t *testing.T) {
	s := newStore(t, "")
	m, _ := s.Create(Market{Status: StatusOpenFailed})
	if _, _, err := s.BeginResolution(m.ID); !errors.Is(err, ErrNotResolvable) {
		t.Fatalf("expected ErrNotResolvable, got %v", err)
	}
}

func TestExpireAndRecover(t *testing.T) {
	s := newStore(t, "")
	now := time.Now()
	p := prediction(Long, "1", "1", "2")
	p.ExpiresAt = now.Add(-time.Minute)
	old, _ := s.Create(Market{Prediction: p, Status: StatusOpen})
	p.ExpiresAt = now.Add(time.Hour)
	fresh, _ := s.Create(Market{Prediction: p, Status: StatusOpen})
	expired, err := s.ExpireOpen(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired %+v", expired)
	}
	if _, ok, err := s.BeginResolution(old.ID); !ok || err != nil {
		t.Fatalf("expired markets stay resolvable: %v", err)
	}
	recovered, err := s.RecoverInterrupted()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0].Status != StatusCloseUncertain {
		t.Fatalf("recovered %+v", recovered)
	}
	if m, _ := s.Get(fresh.ID); m.Status != StatusOpen {
		t.Fatalf("fresh market is %s", m.Status)
	}
}

func TestSessionKeyInClear(t *testing.T) {
	s := newStore(t, "")
	if key, err := s.SessionKey(); err != nil || key != "" {
		t.Fatalf("empty store: %q %v", key, err)
	}
	if err := s.SetSessionKey("0xabc"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(s.Path())
	if !strings.Contains(string(b), `"sessionPrivateKey": "0xabc"`) {
		t.Fatalf("file %s", b)
	}
	if key, _ := s.SessionKey(); key != "0xabc" {
		t.Fatalf("key %q", key)
	}
}

func TestSessionKeySealed(t *testing.T) {
	s := newStore(t, "correct horse")
	if err := s.SetSessionKey("0xdeadbeef"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(s.Path())
	if strings.Contains(string(b), "deadbeef") {
		t.Fatal("sealed key leaked to disk")
	}
	if key, err := s.SessionKey(); err != nil || key != "0xdeadbeef" {
		t.Fatalf("key %q %v", key, err)
	}
	wrong, err := OpenStore(s.Path(), "wrong")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wrong.SessionKey(); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase, got %v", err)
	}
	none, _ := OpenStore(s.Path(), "")
	if _, err := none.SessionKey(); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected ErrWrongPassphrase without passphrase, got %v", err)
	}
}
