package auth

// Known OAuth scopes used by the ledger service.
const (
	ScopeLedgerWrite = "ledger:write"
	ScopeLedgerRead  = "ledger:read"
)
