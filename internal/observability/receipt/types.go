// Package receipt writes one evidence record per CLI invocation, for
// auditors who need to know who ran what against which configuration.
package receipt

// SchemaVersion of the receipt document
const SchemaVersion = "1.0"

type Receipt struct {
	SchemaVersion string   `json:"schema_version"`
	OpID          string   `json:"op_id"`
	TsStart       string   `json:"ts_start"`
	TsEnd         string   `json:"ts_end"`
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	ArgsRedacted  bool     `json:"args_redacted,omitempty"`
	Result        Result   `json:"result"`

	Config    *FileRef       `json:"config,omitempty"`
	Ingest    *IngestSummary `json:"ingest,omitempty"`
	Proposals []ProposalRef  `json:"proposals,omitempty"`
	Rollouts  []RolloutRef   `json:"rollouts,omitempty"`
	Ledger    *LedgerSummary `json:"ledger,omitempty"`
}

// Result status is "success" or "fail"
type Result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// FileRef pins the exact bytes a command ran with
type FileRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256,omitempty"`
}

type IngestSummary struct {
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	New       int            `json:"new"`
	Seen      int            `json:"seen"`
	Reopened  int            `json:"reopened"`
	Resolved  int            `json:"resolved"`
	Decisions map[string]int `json:"decisions,omitempty"`
}

type ProposalRef struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
}

type RolloutRef struct {
	PolicyID    string `json:"policy_id"`
	Environment string `json:"environment"`
	From        string `json:"from,omitempty"`
	To          string `json:"to"`
}

type LedgerSummary struct {
	Entries  int    `json:"entries"`
	Exported string `json:"exported,omitempty"`
}
