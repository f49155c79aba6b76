package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pid-provider/services"
	"pid-provider/xmlsps"
)

// maxUpload begrenzt die Größe eines hochgeladenen Pakets.
const maxUpload = 256 << 20

var zipMagic = []byte("PK\x03\x04")

var errNoFile = errors.New("file is required")

func (h *Handler) healthz(c *gin.Context) {
	sqlDB, err := h.provider.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// register nimmt ein ZIP (Multipart-Feld "file" oder Body) oder ein
// einzelnes XML entgegen.
func (h *Handler) register(c *gin.Context) {
	content, filename, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts, err := registerOptions(c, filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var results []services.Result
	if bytes.HasPrefix(content, zipMagic) {
		results, err = h.provider.ProvidePidForZip(ctx, content, opts)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(results) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "zip contains no xml"})
			return
		}
	} else {
		results = []services.Result{h.registerOne(c, content, opts)}
	}
	c.JSON(resultStatus(results), results)
}

func (h *Handler) registerOne(c *gin.Context, content []byte, opts services.RegisterOptions) services.Result {
	x, err := xmlsps.Parse(content)
	if err != nil {
		err = fmt.Errorf("%w: %v", services.ErrInvalidXML, err)
		return services.Result{ErrorResult: services.NewErrorResult(err, "", opts.Filename)}
	}
	resp, err := h.provider.ProvidePidForXML(c.Request.Context(), x, opts)
	if err != nil {
		return services.Result{ErrorResult: services.NewErrorResult(err, x.Fingerprint(), opts.Filename)}
	}
	return services.Result{Response: resp}
}

// resultStatus: 400, sobald ein Ergebnis ein Fehler ist, sonst 201, wenn
// etwas angelegt wurde, sonst 200.
func resultStatus(results []services.Result) int {
	created := false
	for _, r := range results {
		if r.IsError() {
			return http.StatusBadRequest
		}
		if r.Response.RecordStatus == services.StatusCreated {
			created = true
		}
	}
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func readUpload(c *gin.Context) ([]byte, string, error) {
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		b, err := io.ReadAll(io.LimitReader(f, maxUpload))
		return b, fh.Filename, err
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpload))
	if err != nil {
		return nil, "", err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, "", errNoFile
	}
	return b, c.Query("filename"), nil
}

func registerOptions(c *gin.Context, filename string) (services.RegisterOptions, error) {
	opts := services.RegisterOptions{
		Filename: filename,
		User:     c.DefaultQuery("user", "api"),
		Origin:   c.Query("origin"),
	}
	var err error
	for name, target := range map[string]*bool{
		"force_update":            &opts.ForceUpdate,
		"auto_solve_pid_conflict": &opts.AutoSolvePidConflict,
		"is_published":            &opts.IsPublished,
		"registered_in_core":      &opts.RegisteredInCore,
	} {
		if v := c.Query(name); v != "" {
			if *target, err = strconv.ParseBool(v); err != nil {
				return opts, fmt.Errorf("invalid %s: %q", name, v)
			}
		}
	}
	if v := c.Query("origin_date"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return opts, fmt.Errorf("invalid origin_date: %q", v)
		}
		opts.OriginDate = &t
	}
	return opts, nil
}

func (h *Handler) registerByURI(c *gin.Context) {
	var req struct {
		URL  string `json:"url" binding:"required"`
		Name string `json:"name"`
		User string `json:"user"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	user := req.User
	if user == "" {
		user = "api"
	}
	resp, err := h.fetcher.RegisterByURI(c.Request.Context(), req.URL, req.Name, services.RegisterOptions{User: user})
	if err != nil {
		h.domainError(c, err, "")
		return
	}
	c.JSON(resultStatus([]services.Result{{Response: resp}}), resp)
}

func (h *Handler) isRegistered(c *gin.Context) {
	content, filename, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	x, err := xmlsps.Parse(content)
	if err != nil {
		h.domainError(c, fmt.Errorf("%w: %v", services.ErrInvalidXML, err), filename)
		return
	}
	out, err := h.provider.IsRegistered(c.Request.Context(), x, filename)
	if err != nil {
		h.domainError(c, err, filename)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) fixPidV2(c *gin.Context) {
	var req struct {
		PidV3        string `json:"pid_v3" binding:"required"`
		CorrectPidV2 string `json:"correct_pid_v2" binding:"required"`
		User         string `json:"user"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	user := req.User
	if user == "" {
		user = "api"
	}
	resp, err := h.provider.FixPidV2(c.Request.Context(), req.PidV3, req.CorrectPidV2, user)
	if err != nil {
		h.domainError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) get(c *gin.Context) {
	rec, err := h.provider.GetByV3(c.Request.Context(), c.Param("v3"))
	if err != nil {
		h.domainError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) xml(c *gin.Context) {
	content, v, err := h.provider.CurrentXML(c.Request.Context(), c.Param("v3"))
	if err != nil {
		h.domainError(c, err, "")
		return
	}
	c.Header("X-Fingerprint", v.Fingerprint)
	c.Data(http.StatusOK, "application/xml; charset=utf-8", content)
}

// domainError übersetzt err in eine Fehlerantwort.
func (h *Handler) domainError(c *gin.Context, err error, filename string) {
	switch {
	case errors.Is(err, services.ErrRecordNotFound), errors.Is(err, services.ErrNoVersion):
		c.JSON(http.StatusNotFound, services.NewErrorResult(err, "", filename))
	case services.IsDomainError(err):
		c.JSON(http.StatusBadRequest, services.NewErrorResult(err, "", filename))
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
