package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pid-provider/config"
	"pid-provider/metrics"
	"pid-provider/models"
	"pid-provider/pid"
	"pid-provider/storage"
	"pid-provider/xmlsps"
)

// Ergebnis einer Registrierung.
const (
	StatusCreated   = "created"
	StatusUpdated   = "updated"
	StatusRetrieved = "retrieved"
)

// RegisterOptions steuern eine einzelne Registrierung.
type RegisterOptions struct {
	Filename             string
	User                 string
	ForceUpdate          bool
	IsPublished          bool
	Origin               string
	RegisteredInCore     bool
	AutoSolvePidConflict bool

	// OriginDate ist das Datum der Quelle; ein älterer Stand als der
	// gespeicherte erzwingt keine Aktualisierung.
	OriginDate *time.Time
}

// Response ist das Ergebnis einer erfolgreichen Registrierung.
type Response struct {
	V3               string            `json:"v3"`
	V2               string            `json:"v2"`
	AOPPid           string            `json:"aop_pid"`
	PkgName          string            `json:"pkg_name"`
	Filename         string            `json:"filename,omitempty"`
	Created          time.Time         `json:"created"`
	Updated          time.Time         `json:"updated"`
	RecordStatus     string            `json:"record_status"`
	XMLChanged       bool              `json:"xml_changed"`
	ChangedPids      map[string]string `json:"changed_pids,omitempty"`
	RegisteredInCore bool              `json:"registered_in_core"`

	// XML ist das umgeschriebene XML, nur wenn XMLChanged gesetzt ist.
	XML string `json:"xml,omitempty"`
}

// MarshalJSON schreibt eine fehlende aop_pid als null.
func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	out := struct {
		plain
		AOPPid *string `json:"aop_pid"`
	}{plain: plain(r)}
	if r.AOPPid != "" {
		out.AOPPid = &r.AOPPid
	}
	return json.Marshal(out)
}

func (r *Response) summary() map[string]any {
	return map[string]any{
		"v3":            r.V3,
		"v2":            r.V2,
		"aop_pid":       r.AOPPid,
		"record_status": r.RecordStatus,
		"xml_changed":   r.XMLChanged,
		"changed_pids":  r.ChangedPids,
	}
}

// ErrorResult ist das Ergebnis eines abgelehnten XMLs.
type ErrorResult struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	ID           string `json:"id,omitempty"`
	Filename     string `json:"filename,omitempty"`
}

// NewErrorResult baut ein ErrorResult aus err.
func NewErrorResult(err error, fingerprint, filename string) *ErrorResult {
	return &ErrorResult{
		ErrorType:    ErrorType(err),
		ErrorMessage: err.Error(),
		ID:           fingerprint,
		Filename:     filename,
	}
}

// Result ist genau eines von Response oder ErrorResult.
type Result struct {
	*Response
	*ErrorResult
}

// IsError meldet, ob das Ergebnis eine Ablehnung ist.
func (r Result) IsError() bool {
	return r.ErrorResult != nil
}

// MarshalJSON serialisiert die jeweils gesetzte Variante.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.ErrorResult != nil {
		return json.Marshal(r.ErrorResult)
	}
	return json.Marshal(r.Response)
}

// Completion ist das Ergebnis von CompletePids.
type Completion struct {
	V3          string             `json:"v3"`
	V2          string             `json:"v2"`
	AOPPid      string             `json:"aop_pid,omitempty"`
	XMLChanged  bool               `json:"xml_changed"`
	ChangedPids map[string]string  `json:"changed_pids,omitempty"`
	XML         *xmlsps.XMLWithPre `json:"-"`
}

// Registered ist das Ergebnis von IsRegistered.
type Registered struct {
	Found   bool           `json:"found"`
	IsEqual bool           `json:"is_equal"`
	Record  *models.Record `json:"record,omitempty"`

	// Backfill enthält die PIDs, die im XML fehlen oder vom Datensatz abweichen.
	Backfill map[string]string `json:"backfill,omitempty"`
}

// Provider koordiniert Registrierung, Vervollständigung und Korrektur von PIDs.
type Provider struct {
	db         *gorm.DB
	blobs      storage.BlobStore
	index      *RecordIndex
	versions   *VersionStore
	minter     *pid.Minter
	timeline   *Timeline
	sink       *EventSink
	locks      *KeyedMutex
	logger     *zap.Logger
	tracer     trace.Tracer
	zipWorkers int
}

// NewProvider erstellt einen Provider. Ohne tracer wird der globale
// TracerProvider verwendet.
func NewProvider(cfg *config.Config, db *gorm.DB, blobs storage.BlobStore, logger *zap.Logger, tracer trace.Tracer) *Provider {
	if tracer == nil {
		tracer = otel.Tracer("pid-provider/services")
	}
	workers := cfg.ZipWorkers
	if workers < 1 {
		workers = 1
	}
	return &Provider{
		db:         db,
		blobs:      blobs,
		index:      NewRecordIndex(db),
		versions:   NewVersionStore(blobs),
		minter:     pid.NewMinter(pid.NewGenerator(cfg.PidMintAlphabetSize), cfg.PidMintMaxTries),
		timeline:   NewTimeline(logger),
		sink:       NewEventSink(db, logger),
		locks:      NewKeyedMutex(),
		logger:     logger,
		tracer:     tracer,
		zipWorkers: workers,
	}
}

// DB gibt die Datenbankverbindung zurück.
func (p *Provider) DB() *gorm.DB { return p.db }

// Versions gibt den VersionStore zurück.
func (p *Provider) Versions() *VersionStore { return p.versions }

// Timeline gibt die Timeline zurück.
func (p *Provider) Timeline() *Timeline { return p.timeline }

// Sink gibt den Speicher für unerwartete Fehler zurück.
func (p *Provider) Sink() *EventSink { return p.sink }

// Register registriert ein XML: bekannte Artikel werden wiedergefunden und
// gegebenenfalls aktualisiert, neue angelegt.
func (p *Provider) Register(ctx context.Context, x *xmlsps.XMLWithPre, opts RegisterOptions) (*Response, error) {
	ctx, span := p.tracer.Start(ctx, "provider.register")
	defer span.End()
	start := time.Now()
	defer func() { metrics.RegisterDuration.Observe(time.Since(start).Seconds()) }()

	proj := xmlsps.NewAdapter(x, opts.Filename).Projection()
	span.SetAttributes(
		attribute.String("pkg_name", proj.PkgName),
		attribute.String("fingerprint", proj.Fingerprint),
	)

	entry, err := p.timeline.Entry(ctx, p.db, proj.PkgName, models.ProcedureRegistration)
	if err != nil {
		p.reject(ctx, "register", x, proj, opts.Filename, nil, err)
		return nil, err
	}
	p.appendEvent(ctx, p.db, entry, "start", map[string]any{
		"filename":     opts.Filename,
		"fingerprint":  proj.Fingerprint,
		"v3":           proj.V3,
		"v2":           proj.V2,
		"aop_pid":      proj.AOPPid,
		"force_update": opts.ForceUpdate,
		"origin":       opts.Origin,
		"user":         opts.User,
	}, nil)

	resp, err := p.register(ctx, x, proj, opts, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorType(err))
		p.reject(ctx, "register", x, proj, opts.Filename, entry, err)
		return nil, err
	}
	metrics.Registrations.WithLabelValues(resp.RecordStatus).Inc()
	span.SetAttributes(attribute.String("record_status", resp.RecordStatus))
	p.logger.Info("XML registriert",
		zap.String("pkg_name", resp.PkgName),
		zap.String("v3", resp.V3),
		zap.String("record_status", resp.RecordStatus))
	return resp, nil
}

func validatePids(proj xmlsps.Projection) error {
	for _, v := range []struct{ typ, value string }{
		{models.PidTypeV3, proj.V3},
		{models.PidTypeV2, proj.V2},
	} {
		if v.value == "" || len(v.value) > pid.Length {
			return fmt.Errorf("%w: %s %q", ErrInvalidPid, v.typ, v.value)
		}
	}
	if len(proj.AOPPid) > pid.Length {
		return fmt.Errorf("%w: %s %q", ErrInvalidPid, models.PidTypeAOP, proj.AOPPid)
	}
	return nil
}

func (p *Provider) register(ctx context.Context, x *xmlsps.XMLWithPre, proj xmlsps.Projection, opts RegisterOptions, entry *models.TimelineEntry) (*Response, error) {
	if err := validatePids(proj); err != nil {
		return nil, err
	}

	unlock := p.locks.LockAll(registrationKeys(proj)...)
	defer unlock()

	var resp *Response
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.index.LockPackage(ctx, tx, proj.PkgName); err != nil {
			return err
		}
		cand, err := p.candidate(ctx, tx, proj, true)
		if err != nil {
			return err
		}
		var known []models.IssuedPid
		if cand != nil {
			if known, err = p.index.KnownPids(ctx, tx, cand.ID); err != nil {
				return err
			}
		}
		res, err := ResolveConflicts(ctx, proj, cand, known, p.ownerIn(tx), ResolveOptions{AutoSolve: opts.AutoSolvePidConflict})
		if err != nil {
			return err
		}

		if cand == nil {
			resp, err = p.create(ctx, tx, x, proj, res, opts)
		} else {
			resp, err = p.update(ctx, tx, x, proj, cand, res, opts)
		}
		if err != nil {
			return err
		}
		return p.timeline.Append(ctx, tx, entry, "finish", resp.summary(), nil)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// registrationKeys sind die Sperrschlüssel einer Registrierung: gleiche
// PIDs oder DOI unter anderem Dateinamen warten aufeinander.
func registrationKeys(proj xmlsps.Projection) []string {
	keys := []string{"pkg:" + proj.PkgName}
	for _, v := range []string{proj.V3, proj.V2, proj.AOPPid} {
		if v != "" {
			keys = append(keys, "pid:"+v)
		}
	}
	if doi := NormalizeDOI(proj.MainDOI); doi != "" {
		keys = append(keys, "doi:"+doi)
	}
	return keys
}

// candidate sucht den Datensatz zum XML; forUpdate sperrt ihn für die Transaktion.
func (p *Provider) candidate(ctx context.Context, db *gorm.DB, proj xmlsps.Projection, forUpdate bool) (*models.Record, error) {
	q, err := BuildQuery(proj)
	if err != nil {
		return nil, err
	}
	res, err := p.index.Lookup(ctx, db, q)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case Ambiguous:
		return nil, ambiguousError(res)
	case NotFound:
		return nil, nil
	}
	if !forUpdate {
		return res.Record, nil
	}
	return p.index.ForUpdate(ctx, db, res.Record.ID)
}

func (p *Provider) ownerIn(db *gorm.DB) OwnerFunc {
	return func(ctx context.Context, value string) (*Owner, error) {
		return p.index.Owner(ctx, db, value)
	}
}

func (p *Provider) create(ctx context.Context, tx *gorm.DB, x *xmlsps.XMLWithPre, proj xmlsps.Projection, res *Resolution, opts RegisterOptions) (*Response, error) {
	// Werte werden vorläufig ohne Datensatz reserviert und nach dem
	// Anlegen übertragen.
	if err := p.claim(ctx, tx, 0, res.Claims); err != nil {
		return nil, err
	}
	if err := p.mint(ctx, tx, proj, res); err != nil {
		return nil, err
	}
	rewritten, changed := rewrite(x, res.V3, res.V2, res.AOPPid)

	rec := &models.Record{
		V3:            res.V3,
		V2:            res.V2,
		AOPPid:        res.AOPPid,
		Creator:       opts.User,
		Registrations: 1,
	}
	applyProjection(rec, proj, opts)
	if err := tx.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}
	values := make([]string, len(res.Claims))
	for i, c := range res.Claims {
		values[i] = c.Value
	}
	if err := p.index.AssignClaims(ctx, tx, rec.ID, values); err != nil {
		return nil, err
	}

	v, _, err := p.versions.GetOrCreate(ctx, tx, rec, rewritten.Fingerprint(), rewritten.Bytes(), opts.Filename, opts.User)
	if err != nil {
		return nil, err
	}
	rec.CurrentVersionID = &v.ID
	if err := tx.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, err
	}
	return newResponse(rec, StatusCreated, opts.Filename, res.ChangedPids(), rewritten, changed), nil
}

func (p *Provider) update(ctx context.Context, tx *gorm.DB, x *xmlsps.XMLWithPre, proj xmlsps.Projection, rec *models.Record, res *Resolution, opts RegisterOptions) (*Response, error) {
	rewritten, changed := rewrite(x, res.V3, res.V2, res.AOPPid)
	fingerprint := rewritten.Fingerprint()

	if !opts.ForceUpdate && rec.RegisteredInCore == opts.RegisteredInCore && originCovered(rec, opts.OriginDate) {
		equal, err := p.versions.IsEqualTo(ctx, tx, rec, fingerprint)
		if err != nil {
			return nil, err
		}
		if equal {
			err := tx.WithContext(ctx).Model(&models.Record{}).
				Where("id = ?", rec.ID).
				UpdateColumn("retrievals", gorm.Expr("retrievals + ?", 1)).Error
			if err != nil {
				return nil, err
			}
			rec.Retrievals++
			return newResponse(rec, StatusRetrieved, opts.Filename, res.ChangedPids(), rewritten, changed), nil
		}
	}

	if err := p.claim(ctx, tx, rec.ID, res.Claims); err != nil {
		return nil, err
	}
	applyProjection(rec, proj, opts)
	rec.V3, rec.V2, rec.AOPPid = res.V3, res.V2, res.AOPPid
	rec.Updates++
	rec.Updater = opts.User

	v, _, err := p.versions.GetOrCreate(ctx, tx, rec, fingerprint, rewritten.Bytes(), opts.Filename, opts.User)
	if err != nil {
		return nil, err
	}
	rec.CurrentVersionID = &v.ID
	for _, a := range res.Aliases {
		alias := models.PidAlias{RecordID: rec.ID, Type: a.Type, Value: a.Value, VersionID: &v.ID}
		if err := tx.WithContext(ctx).Create(&alias).Error; err != nil {
			return nil, fmt.Errorf("creating alias %s: %w", a.Value, err)
		}
	}
	if err := tx.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, err
	}
	return newResponse(rec, StatusUpdated, opts.Filename, res.ChangedPids(), rewritten, changed), nil
}

// claim trägt values für recordID ins Ledger ein. Ein inzwischen anderweitig
// vergebener Wert ist ein Konflikt.
func (p *Provider) claim(ctx context.Context, tx *gorm.DB, recordID uint, values []pidValue) error {
	for _, c := range values {
		ok, err := p.index.Claim(ctx, tx, recordID, c.Type, c.Value)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		owner, err := p.index.Owner(ctx, tx, c.Value)
		if err != nil {
			return err
		}
		if owner != nil && recordID != 0 && owner.RecordID == recordID {
			continue
		}
		conflict := &PidConflictError{Type: c.Type, Value: c.Value}
		if owner != nil {
			conflict.OwnerV3 = owner.V3
		}
		return conflict
	}
	return nil
}

// mint erzeugt die im Plan fehlenden Werte und reserviert sie vorläufig.
func (p *Provider) mint(ctx context.Context, tx *gorm.DB, proj xmlsps.Projection, res *Resolution) error {
	claimAs := func(pidType string) pid.ClaimFunc {
		return func(ctx context.Context, value string) (bool, error) {
			return p.index.Claim(ctx, tx, 0, pidType, value)
		}
	}
	if res.MintV3 {
		v, err := p.minter.MintV3(ctx, claimAs(models.PidTypeV3))
		if err != nil {
			return err
		}
		res.V3, res.MintV3 = v, false
		res.Claims = append(res.Claims, pidValue{models.PidTypeV3, v})
		res.Changes = append(res.Changes, PidChange{Type: models.PidTypeV3, New: v, Previous: proj.V3})
	}
	if res.MintV2 {
		v, err := p.minter.MintV2(ctx, proj.V2Prefix(), claimAs(models.PidTypeV2))
		if err != nil {
			return err
		}
		res.V2, res.MintV2 = v, false
		res.Claims = append(res.Claims, pidValue{models.PidTypeV2, v})
		res.Changes = append(res.Changes, PidChange{Type: models.PidTypeV2, New: v, Previous: proj.V2})
	}
	return nil
}

// rewrite liefert eine Kopie von x mit den gegebenen PIDs; stimmen sie
// schon überein, x selbst.
func rewrite(x *xmlsps.XMLWithPre, v3, v2, aopPid string) (*xmlsps.XMLWithPre, bool) {
	if x.V3() == v3 && x.V2() == v2 && x.AOPPid() == aopPid {
		return x, false
	}
	c := x.Clone()
	c.SetIDs(v3, v2, aopPid)
	return c, true
}

func originCovered(rec *models.Record, origin *time.Time) bool {
	if origin == nil {
		return true
	}
	return rec.OriginDate != nil && !rec.OriginDate.Before(*origin)
}

func applyProjection(rec *models.Record, proj xmlsps.Projection, opts RegisterOptions) {
	m := newMatchFields(proj)
	rec.PkgName = proj.PkgName
	rec.IssnElectronic = m.IssnElectronic
	rec.IssnPrint = m.IssnPrint
	rec.PubYear = m.PubYear
	rec.Volume = m.Volume
	rec.Number = m.Number
	rec.Suppl = m.Suppl
	rec.ArticlePubYear = m.ArticlePubYear
	rec.MainDOI = m.MainDOI
	rec.ElocationID = m.ElocationID
	rec.Fpage = m.Fpage
	rec.FpageSeq = m.FpageSeq
	rec.Lpage = m.Lpage
	rec.ZSurnames = m.ZSurnames
	rec.ZCollab = m.ZCollab
	rec.ZLinks = m.ZLinks
	rec.ZPartialBody = m.ZPartialBody

	since := proj.ArticlePublicationDate
	if since == nil {
		since = opts.OriginDate
	}
	rec.AvailableSince = earliest(rec.AvailableSince, since)
	if opts.OriginDate != nil {
		rec.OriginDate = opts.OriginDate
	}
	if opts.Origin != "" {
		rec.Origin = opts.Origin
	}
	rec.IsPublished = rec.IsPublished || opts.IsPublished
	rec.RegisteredInCore = opts.RegisteredInCore
}

func earliest(current, candidate *time.Time) *time.Time {
	switch {
	case candidate == nil:
		return current
	case current == nil || candidate.Before(*current):
		t := candidate.UTC()
		return &t
	default:
		return current
	}
}

func newResponse(rec *models.Record, status, filename string, changes map[string]string, x *xmlsps.XMLWithPre, changed bool) *Response {
	r := &Response{
		V3:               rec.V3,
		V2:               rec.V2,
		AOPPid:           rec.AOPPid,
		PkgName:          rec.PkgName,
		Filename:         filename,
		Created:          rec.CreatedAt,
		Updated:          rec.UpdatedAt,
		RecordStatus:     status,
		XMLChanged:       changed,
		ChangedPids:      changes,
		RegisteredInCore: rec.RegisteredInCore,
	}
	if changed {
		if s, err := x.ToString(); err == nil {
			r.XML = s
		}
	}
	return r
}

// CompletePids ergänzt fehlende oder ungültige PIDs des XMLs aus dem
// gefundenen Datensatz oder mit neu erzeugten, noch freien Werten. Es wird
// nichts gespeichert.
func (p *Provider) CompletePids(ctx context.Context, x *xmlsps.XMLWithPre, filename string, autoSolve bool) (*Completion, error) {
	ctx, span := p.tracer.Start(ctx, "provider.complete_pids")
	defer span.End()

	proj := xmlsps.NewAdapter(x, filename).Projection()
	cand, err := p.candidate(ctx, p.db, proj, false)
	if err != nil {
		return nil, err
	}
	var known []models.IssuedPid
	if cand != nil {
		if known, err = p.index.KnownPids(ctx, p.db, cand.ID); err != nil {
			return nil, err
		}
	}
	owner := p.ownerIn(p.db)
	res, err := ResolveConflicts(ctx, proj, cand, known, owner, ResolveOptions{AutoSolve: autoSolve, Complete: true})
	if err != nil {
		return nil, err
	}

	free := func(ctx context.Context, value string) (bool, error) {
		o, err := owner(ctx, value)
		return o == nil, err
	}
	if res.MintV3 {
		if res.V3, err = p.minter.MintV3(ctx, free); err != nil {
			return nil, err
		}
		res.Changes = append(res.Changes, PidChange{Type: models.PidTypeV3, New: res.V3, Previous: proj.V3})
	}
	if res.MintV2 {
		if res.V2, err = p.minter.MintV2(ctx, proj.V2Prefix(), free); err != nil {
			return nil, err
		}
		res.Changes = append(res.Changes, PidChange{Type: models.PidTypeV2, New: res.V2, Previous: proj.V2})
	}

	rewritten, changed := rewrite(x, res.V3, res.V2, res.AOPPid)
	return &Completion{
		V3:          res.V3,
		V2:          res.V2,
		AOPPid:      res.AOPPid,
		XMLChanged:  changed,
		ChangedPids: res.ChangedPids(),
		XML:         rewritten,
	}, nil
}

// IsRegistered sucht den Datensatz zum XML, ohne etwas zu ändern.
func (p *Provider) IsRegistered(ctx context.Context, x *xmlsps.XMLWithPre, filename string) (*Registered, error) {
	ctx, span := p.tracer.Start(ctx, "provider.is_registered")
	defer span.End()

	proj := xmlsps.NewAdapter(x, filename).Projection()
	entry, err := p.timeline.Entry(ctx, p.db, proj.PkgName, models.ProcedureIsRegistered)
	if err != nil {
		return nil, err
	}

	out, err := p.isRegistered(ctx, proj)
	if err != nil {
		p.appendEvent(ctx, p.db, entry, "finish", nil, err)
		if !IsDomainError(err) {
			p.sink.Record(ctx, "is_registered", err, map[string]any{"pkg_name": proj.PkgName})
		}
		return nil, err
	}
	p.appendEvent(ctx, p.db, entry, "finish", map[string]any{
		"found":    out.Found,
		"is_equal": out.IsEqual,
		"backfill": out.Backfill,
	}, nil)
	return out, nil
}

func (p *Provider) isRegistered(ctx context.Context, proj xmlsps.Projection) (*Registered, error) {
	rec, err := p.candidate(ctx, p.db, proj, false)
	if err != nil || rec == nil {
		return &Registered{}, err
	}
	out := &Registered{Found: true, Record: rec}
	if out.IsEqual, err = p.versions.IsEqualTo(ctx, p.db, rec, proj.Fingerprint); err != nil {
		return nil, err
	}
	for typ, v := range map[string][2]string{
		models.PidTypeV3:  {proj.V3, rec.V3},
		models.PidTypeV2:  {proj.V2, rec.V2},
		models.PidTypeAOP: {proj.AOPPid, rec.AOPPid},
	} {
		if v[1] != "" && v[0] != v[1] {
			if out.Backfill == nil {
				out.Backfill = map[string]string{}
			}
			out.Backfill[typ] = v[1]
		}
	}
	return out, nil
}

// FixPidV2 ersetzt die v2 des Datensatzes v3 durch correctV2. Die alte v2
// bleibt als Alias erhalten, das korrigierte XML wird als neue Fassung
// gespeichert.
func (p *Provider) FixPidV2(ctx context.Context, v3, correctV2, user string) (*Response, error) {
	ctx, span := p.tracer.Start(ctx, "provider.fix_pid_v2")
	defer span.End()
	span.SetAttributes(attribute.String("v3", v3))

	if !pid.IsValid(correctV2) {
		return nil, fmt.Errorf("%w: %s %q", ErrInvalidPid, models.PidTypeV2, correctV2)
	}
	rec, err := p.index.ByV3(ctx, p.db, v3)
	if err != nil {
		return nil, err
	}
	entry, err := p.timeline.Entry(ctx, p.db, rec.PkgName, models.ProcedureFixPidV2)
	if err != nil {
		return nil, err
	}
	p.appendEvent(ctx, p.db, entry, "start", map[string]any{"v3": v3, "v2": rec.V2, "correct_pid_v2": correctV2, "user": user}, nil)

	unlock := p.locks.LockAll("pkg:"+rec.PkgName, "pid:"+rec.V3, "pid:"+rec.V2, "pid:"+correctV2)
	defer unlock()

	var resp *Response
	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.index.LockPackage(ctx, tx, rec.PkgName); err != nil {
			return err
		}
		rec, err := p.index.ForUpdate(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if rec.V2 == correctV2 {
			resp = newResponse(rec, StatusRetrieved, "", nil, nil, false)
			return p.timeline.Append(ctx, tx, entry, "finish", resp.summary(), nil)
		}
		if err := p.claim(ctx, tx, rec.ID, []pidValue{{models.PidTypeV2, correctV2}}); err != nil {
			return err
		}

		latest, err := p.versions.Latest(ctx, tx, rec)
		if err != nil {
			return err
		}
		content, err := p.versions.Load(ctx, latest)
		if err != nil {
			return err
		}
		x, err := xmlsps.Parse(content)
		if err != nil {
			return fmt.Errorf("parsing stored version %d: %w", latest.ID, err)
		}
		x.SetV2(correctV2)

		v, _, err := p.versions.GetOrCreate(ctx, tx, rec, x.Fingerprint(), x.Bytes(), latest.Filename, user)
		if err != nil {
			return err
		}
		previous := rec.V2
		if previous != "" {
			alias := models.PidAlias{RecordID: rec.ID, Type: models.PidTypeV2, Value: previous, VersionID: &v.ID}
			if err := tx.WithContext(ctx).Create(&alias).Error; err != nil {
				return err
			}
		}
		rec.V2 = correctV2
		rec.CurrentVersionID = &v.ID
		rec.Updates++
		rec.Updater = user
		// der zentrale Provider kennt die neue v2 noch nicht
		rec.RegisteredInCore = false
		if err := tx.WithContext(ctx).Save(rec).Error; err != nil {
			return err
		}
		resp = newResponse(rec, StatusUpdated, latest.Filename, map[string]string{models.PidTypeV2: correctV2}, x, true)
		return p.timeline.Append(ctx, tx, entry, "finish", resp.summary(), nil)
	})
	if err != nil {
		span.RecordError(err)
		p.appendEvent(ctx, p.db, entry, "finish", nil, err)
		if !IsDomainError(err) {
			p.sink.Record(ctx, "fix_pid_v2", err, map[string]any{"v3": v3, "correct_pid_v2": correctV2})
		}
		return nil, err
	}
	p.logger.Info("pid v2 korrigiert", zap.String("v3", v3), zap.String("v2", correctV2))
	return resp, nil
}

// ProvidePidForXML vervollständigt die PIDs und registriert das Ergebnis.
func (p *Provider) ProvidePidForXML(ctx context.Context, x *xmlsps.XMLWithPre, opts RegisterOptions) (*Response, error) {
	completion, err := p.CompletePids(ctx, x, opts.Filename, opts.AutoSolvePidConflict)
	if err != nil {
		proj := xmlsps.NewAdapter(x, opts.Filename).Projection()
		p.reject(ctx, "complete_pids", x, proj, opts.Filename, nil, err)
		return nil, err
	}
	resp, err := p.Register(ctx, completion.XML, opts)
	if err != nil {
		return nil, err
	}
	if completion.XMLChanged {
		resp.XMLChanged = true
		if resp.XML == "" {
			resp.XML, _ = completion.XML.ToString()
		}
		if resp.ChangedPids == nil {
			resp.ChangedPids = map[string]string{}
		}
		for k, v := range completion.ChangedPids {
			if _, ok := resp.ChangedPids[k]; !ok {
				resp.ChangedPids[k] = v
			}
		}
	}
	return resp, nil
}

// ProvidePidForZip verarbeitet jedes XML eines ZIP-Pakets. Fehler einzelner
// XMLs werden zu Fehlerergebnissen; nur ein unlesbares Paket ist ein Fehler.
func (p *Provider) ProvidePidForZip(ctx context.Context, content []byte, opts RegisterOptions) ([]Result, error) {
	ctx, span := p.tracer.Start(ctx, "provider.provide_pid_for_zip")
	defer span.End()

	items, err := xmlsps.ReadZip(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
	}
	span.SetAttributes(attribute.Int("items", len(items)))

	results := make([]Result, len(items))
	var g errgroup.Group
	g.SetLimit(p.zipWorkers)
	for i, item := range items {
		g.Go(func() error {
			if item.Err != nil {
				err := fmt.Errorf("%w: %s: %v", ErrInvalidXML, item.Filename, item.Err)
				metrics.Registrations.WithLabelValues("error").Inc()
				results[i] = Result{ErrorResult: NewErrorResult(err, "", item.Filename)}
				return nil
			}
			o := opts
			o.Filename = item.Filename
			resp, err := p.ProvidePidForXML(ctx, item.XML, o)
			if err != nil {
				results[i] = Result{ErrorResult: NewErrorResult(err, item.XML.Fingerprint(), item.Filename)}
				return nil
			}
			results[i] = Result{Response: resp}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// GetByV3 liefert den Datensatz zu einer kanonischen v3.
func (p *Provider) GetByV3(ctx context.Context, v3 string) (*models.Record, error) {
	return p.index.ByV3(ctx, p.db, v3)
}

// CurrentXML liefert den Inhalt der aktuellen Fassung des Datensatzes v3.
func (p *Provider) CurrentXML(ctx context.Context, v3 string) ([]byte, *models.XMLVersion, error) {
	rec, err := p.GetByV3(ctx, v3)
	if err != nil {
		return nil, nil, err
	}
	v, err := p.versions.Latest(ctx, p.db, rec)
	if err != nil {
		return nil, nil, err
	}
	content, err := p.versions.Load(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	return content, v, nil
}

// reject protokolliert einen fehlgeschlagenen Aufruf: Timeline, BadRequest,
// Metriken und bei unerwarteten Fehlern ein UnexpectedEvent.
func (p *Provider) reject(ctx context.Context, operation string, x *xmlsps.XMLWithPre, proj xmlsps.Projection, filename string, entry *models.TimelineEntry, err error) {
	errType := ErrorType(err)
	metrics.Registrations.WithLabelValues("error").Inc()
	metrics.Conflicts.WithLabelValues(errType).Inc()

	if entry == nil {
		entry, _ = p.timeline.Entry(ctx, p.db, proj.PkgName, models.ProcedureRegistration)
	}
	if entry != nil {
		p.appendEvent(ctx, p.db, entry, "finish", map[string]any{"error_type": errType, "operation": operation}, err)
	}
	if !IsDomainError(err) {
		p.sink.Record(ctx, operation, err, map[string]any{
			"pkg_name":    proj.PkgName,
			"fingerprint": proj.Fingerprint,
			"filename":    filename,
		})
	} else {
		p.logger.Warn("XML abgelehnt",
			zap.String("pkg_name", proj.PkgName),
			zap.String("error_type", errType),
			zap.Error(err))
	}
	p.saveBadRequest(ctx, x, proj, filename, err)
}

// saveBadRequest speichert das abgelehnte XML, eindeutig pro Fingerprint.
func (p *Provider) saveBadRequest(ctx context.Context, x *xmlsps.XMLWithPre, proj xmlsps.Projection, filename string, cause error) {
	if x == nil || proj.Fingerprint == "" {
		return
	}
	basename := filename
	if basename == "" {
		basename = proj.PkgName
	}
	br := models.BadRequest{
		Basename:     basename,
		Fingerprint:  proj.Fingerprint,
		ErrorType:    ErrorType(cause),
		ErrorMessage: cause.Error(),
		BlobKey:      storage.BadRequestKey(proj.Fingerprint, basename),
	}
	if err := p.blobs.Put(ctx, br.BlobKey, x.Bytes()); err != nil {
		p.logger.Error("could not store bad request xml", zap.String("key", br.BlobKey), zap.Error(err))
		br.BlobKey = ""
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{"basename", "error_type", "error_message", "blob_key", "updated_at"}),
		}).
		Create(&br).Error
	if err != nil {
		p.logger.Error("could not store bad request", zap.String("fingerprint", br.Fingerprint), zap.Error(err))
	}
}

func (p *Provider) appendEvent(ctx context.Context, db *gorm.DB, entry *models.TimelineEntry, name string, detail any, eventErr error) {
	if err := p.timeline.Append(ctx, db, entry, name, detail, eventErr); err != nil {
		p.logger.Warn("timeline event not stored", zap.String("event", name), zap.Error(err))
	}
}
