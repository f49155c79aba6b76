package services

import (
	"context"

	"pid-provider/models"
	"pid-provider/pid"
	"pid-provider/xmlsps"
)

// PidChange ist ein geänderter kanonischer PID-Wert.
type PidChange struct {
	Type     string `json:"type"`
	New      string `json:"new"`
	Previous string `json:"previous,omitempty"`
}

type pidValue struct {
	Type  string
	Value string
}

// Resolution ist der Änderungsplan für einen Datensatz. Geschrieben wird
// erst, wenn der Plan vollständig und konfliktfrei ist.
type Resolution struct {
	V3     string
	V2     string
	AOPPid string

	// MintV3/MintV2: der Wert muss neu erzeugt werden (nur bei neuen Datensätzen)
	MintV3 bool
	MintV2 bool

	Changes []PidChange
	// Aliases sind die zurückgestuften früheren Werte.
	Aliases []pidValue
	// Claims sind die Werte, die für den Datensatz neu ins Ledger kommen.
	Claims []pidValue
}

// ChangedPids liefert Typ -> neuer Wert für alle geänderten kanonischen PIDs.
func (r *Resolution) ChangedPids() map[string]string {
	if len(r.Changes) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Changes))
	for _, c := range r.Changes {
		out[c.Type] = c.New
	}
	return out
}

// OwnerFunc liefert den Besitzer eines PID-Werts oder nil.
type OwnerFunc func(ctx context.Context, value string) (*Owner, error)

// ResolveOptions steuern die Konfliktauflösung.
type ResolveOptions struct {
	// AutoSolve erzeugt bei neuen Datensätzen kollidierende v3/v2 neu
	// und verwirft eine kollidierende aop_pid.
	AutoSolve bool
	// Complete behandelt ungültige PIDs wie fehlende.
	Complete bool
}

// ResolveConflicts vergleicht die PIDs des XMLs mit dem Kandidaten (nil für
// einen neuen Datensatz) und dessen bekannten Werten.
func ResolveConflicts(ctx context.Context, p xmlsps.Projection, cand *models.Record, known []models.IssuedPid, owner OwnerFunc, opts ResolveOptions) (*Resolution, error) {
	usable := func(v string) bool {
		if v == "" {
			return false
		}
		return !opts.Complete || pid.IsValid(v)
	}

	if cand == nil {
		return resolveNew(ctx, p, owner, opts, usable)
	}

	if p.IsAOP && !cand.IsAOP() {
		return nil, &ForbiddenRegistrationError{V3: cand.V3}
	}

	knownSet := make(map[string]bool, len(known)+3)
	for _, k := range known {
		knownSet[k.Value] = true
	}
	for _, v := range []string{cand.V3, cand.V2, cand.AOPPid} {
		if v != "" {
			knownSet[v] = true
		}
	}

	r := &Resolution{V3: cand.V3, V2: cand.V2, AOPPid: cand.AOPPid}
	checkFree := func(pidType, value string) error {
		o, err := owner(ctx, value)
		if err != nil {
			return err
		}
		if o != nil && o.RecordID != cand.ID {
			return &PidConflictError{Type: pidType, Value: value, OwnerV3: o.V3}
		}
		return nil
	}
	upgrade := !p.IsAOP && cand.IsAOP()

	if v := p.V3; usable(v) && !knownSet[v] {
		if err := checkFree(models.PidTypeV3, v); err != nil {
			return nil, err
		}
		r.change(models.PidTypeV3, v, r.V3)
		r.V3 = v
	}

	if v := p.V2; usable(v) && !knownSet[v] {
		if err := checkFree(models.PidTypeV2, v); err != nil {
			return nil, err
		}
		previous := r.V2
		r.Changes = append(r.Changes, PidChange{Type: models.PidTypeV2, New: v, Previous: previous})
		r.Claims = append(r.Claims, pidValue{models.PidTypeV2, v})
		r.V2 = v
		if upgrade {
			// die v2 der AOP-Fassung wird zur aop_pid
			if r.AOPPid != "" {
				r.Aliases = append(r.Aliases, pidValue{models.PidTypeAOP, r.AOPPid})
			}
			r.Changes = append(r.Changes, PidChange{Type: models.PidTypeAOP, New: previous, Previous: r.AOPPid})
			r.AOPPid = previous
		} else {
			r.Aliases = append(r.Aliases, pidValue{models.PidTypeV2, previous})
		}
	}

	if v := p.AOPPid; usable(v) && v != r.AOPPid && !knownSet[v] {
		if err := checkFree(models.PidTypeAOP, v); err != nil {
			return nil, err
		}
		r.change(models.PidTypeAOP, v, r.AOPPid)
		r.AOPPid = v
	}
	return r, nil
}

// change übernimmt new als kanonischen Wert und stuft previous zum Alias zurück.
func (r *Resolution) change(pidType, newValue, previous string) {
	r.Changes = append(r.Changes, PidChange{Type: pidType, New: newValue, Previous: previous})
	r.Claims = append(r.Claims, pidValue{pidType, newValue})
	if previous != "" {
		r.Aliases = append(r.Aliases, pidValue{pidType, previous})
	}
}

func resolveNew(ctx context.Context, p xmlsps.Projection, owner OwnerFunc, opts ResolveOptions, usable func(string) bool) (*Resolution, error) {
	r := &Resolution{}
	taken := map[string]bool{}

	pick := func(pidType, value string) (string, bool, error) {
		if !usable(value) || taken[value] {
			return "", true, nil
		}
		o, err := owner(ctx, value)
		if err != nil {
			return "", false, err
		}
		if o != nil {
			if opts.AutoSolve {
				return "", true, nil
			}
			return "", false, &PidConflictError{Type: pidType, Value: value, OwnerV3: o.V3}
		}
		taken[value] = true
		r.Claims = append(r.Claims, pidValue{pidType, value})
		return value, false, nil
	}

	var err error
	if r.V3, r.MintV3, err = pick(models.PidTypeV3, p.V3); err != nil {
		return nil, err
	}
	if r.V2, r.MintV2, err = pick(models.PidTypeV2, p.V2); err != nil {
		return nil, err
	}
	if p.AOPPid != "" {
		aop, _, err := pick(models.PidTypeAOP, p.AOPPid)
		if err != nil {
			return nil, err
		}
		r.AOPPid = aop
	}
	return r, nil
}
