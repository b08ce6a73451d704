package library

// Asset is a ledger asset symbol as the coordinator names it (usdc, ytest.usd).
type Asset = string

// AppSessionID is the coordinator's 0x-prefixed 32 byte session identifier.
type AppSessionID = string

// MarketID identifies one persisted prediction record.
type MarketID = string
