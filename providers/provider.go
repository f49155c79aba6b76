package providers

import "context"

// Upstream ist ein entfernter PID-Provider (z.B. der zentrale "core"), an den
// lokal registrierte XMLs weitergereicht werden.
type Upstream interface {
	// Register sendet ein XML und gibt die Ergebnisse des entfernten Providers zurück.
	Register(ctx context.Context, filename string, xml []byte) ([]Result, error)

	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "core").
	Name() string
}

// Result ist ein Ergebnis des entfernten Providers, Erfolg oder Fehler.
type Result struct {
	V3           string `json:"v3,omitempty"`
	V2           string `json:"v2,omitempty"`
	AOPPid       string `json:"aop_pid,omitempty"`
	PkgName      string `json:"pkg_name,omitempty"`
	RecordStatus string `json:"record_status,omitempty"`
	XMLChanged   bool   `json:"xml_changed,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// Failed meldet, ob der entfernte Provider das XML abgelehnt hat.
func (r Result) Failed() bool {
	return r.ErrorType != "" || r.ErrorMessage != ""
}
