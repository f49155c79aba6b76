package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"4242"`
	// Kommagetrennte Liste gültiger Bearer-Tokens, leer = Auth deaktiviert
	APITokens string `envconfig:"API_TOKENS"`

	S3Key    string `envconfig:"S3_KEY" required:"true"`
	S3Secret string `envconfig:"S3_SECRET" required:"true"`
	S3URL    string `envconfig:"S3_URL" required:"true"`
	S3Region string `envconfig:"S3_REGION" required:"true"`
	S3Bucket string `envconfig:"S3_BUCKET" required:"true"`

	// Zentraler PID-Provider (Core), an den lokal registrierte XMLs weitergereicht werden
	APIPostXMLURL  string        `envconfig:"API_POST_XML_URL"`
	APIGetTokenURL string        `envconfig:"API_GET_TOKEN_URL"`
	APIUsername    string        `envconfig:"API_USERNAME"`
	APIPassword    string        `envconfig:"API_PASSWORD"`
	APITimeout     time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	APIRateLimit   float64       `envconfig:"API_RATE_LIMIT" default:"5"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`

	PidMintAlphabetSize int `envconfig:"PID_MINT_ALPHABET_SIZE" default:"56"`
	PidV3Length         int `envconfig:"PID_V3_LENGTH" default:"23"`
	PidMintMaxTries     int `envconfig:"PID_MINT_MAX_TRIES" default:"10"`

	ZipWorkers int `envconfig:"ZIP_WORKERS" default:"4"`

	FetchRetrySchedule string `envconfig:"FETCH_RETRY_SCHEDULE" default:"*/30 * * * *"`
	FetchRetryBatch    int    `envconfig:"FETCH_RETRY_BATCH" default:"100"`
	CoreSyncSchedule   string `envconfig:"CORE_SYNC_SCHEDULE" default:"0 * * * *"`
	CoreSyncBatch      int    `envconfig:"CORE_SYNC_BATCH" default:"100"`

	TracingEnabled      bool    `envconfig:"TRACING_ENABLED" default:"false"`
	TracingExporter     string  `envconfig:"TRACING_EXPORTER" default:"stdout"`
	TracingOTLPEndpoint string  `envconfig:"TRACING_OTLP_ENDPOINT" default:"localhost:4317"`
	TracingSampleRate   float64 `envconfig:"TRACING_SAMPLE_RATE" default:"1"`

	BackupKeep int `envconfig:"BACKUP_KEEP" default:"4"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Tokens liefert die konfigurierten Bearer-Tokens ohne leere Einträge.
func (c *Config) Tokens() []string {
	var tokens []string
	for _, t := range strings.Split(c.APITokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// CoreEnabled meldet, ob ein zentraler PID-Provider konfiguriert ist.
func (c *Config) CoreEnabled() bool {
	return c.APIPostXMLURL != "" && c.APIGetTokenURL != ""
}

// Validate prüft Werte, die envconfig nicht selbst prüfen kann.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"DB_HOST":     c.DBHost,
		"DB_USER":     c.DBUser,
		"DB_PASSWORD": c.DBPassword,
		"DB_NAME":     c.DBName,
		"S3_KEY":      c.S3Key,
		"S3_SECRET":   c.S3Secret,
		"S3_URL":      c.S3URL,
		"S3_REGION":   c.S3Region,
		"S3_BUCKET":   c.S3Bucket,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s darf nicht leer sein", name)
		}
	}
	if c.PidV3Length != 23 {
		return fmt.Errorf("PID_V3_LENGTH muss 23 sein, ist %d", c.PidV3Length)
	}
	if c.PidMintAlphabetSize < 16 || c.PidMintAlphabetSize > 56 {
		return fmt.Errorf("PID_MINT_ALPHABET_SIZE muss zwischen 16 und 56 liegen, ist %d", c.PidMintAlphabetSize)
	}
	if c.PidMintMaxTries < 1 {
		return fmt.Errorf("PID_MINT_MAX_TRIES muss positiv sein")
	}
	if c.ZipWorkers < 1 {
		c.ZipWorkers = 1
	}
	return nil
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return &c, err
	}
	return &c, c.Validate()
}
