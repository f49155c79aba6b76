package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"pid-provider/config"
	"pid-provider/models"
	"pid-provider/storage"
)

const backupPrefix = "backups/"

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Dump the database to the blob storage and rotate old dumps",
	Long: `Create a gzip-compressed pg_dump of the pid provider tables (records, pid
ledger, aliases, versions, timeline, fetch records, bad requests), upload it
under backups/ and delete all but the BACKUP_KEEP newest dumps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Println("Starte Backup-Prozess...")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("Fehler beim Laden der Konfiguration: %w", err)
		}

		// 1. Datenbank-Dump erstellen
		dumpData, err := createDump(cmd.Context(), cfg, withoutEvents)
		if err != nil {
			return fmt.Errorf("Fehler beim Erstellen des DB-Dumps: %w", err)
		}

		// 2. Backup hochladen
		client, err := storage.NewS3Client(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("Fehler beim Erstellen des S3-Clients: %w", err)
		}
		store := storage.NewS3Store(client, cfg.S3Bucket)
		key := backupKey(time.Now())
		if err := store.Put(cmd.Context(), key, dumpData); err != nil {
			return fmt.Errorf("Fehler beim Hochladen nach S3: %w", err)
		}
		log.Printf("Backup erfolgreich nach s3://%s/%s hochgeladen", cfg.S3Bucket, key)

		// 3. Alte Backups rotieren
		deleted, err := store.Rotate(cmd.Context(), backupPrefix, cfg.BackupKeep)
		for _, k := range deleted {
			log.Printf("Altes Backup gelöscht: %s", k)
		}
		if err != nil {
			return fmt.Errorf("Fehler bei der Rotation alter Backups: %w", err)
		}

		log.Println("Backup-Prozess erfolgreich abgeschlossen.")
		return nil
	},
}

func backupKey(now time.Time) string {
	return fmt.Sprintf("%sbackup-%s.sql.gz", backupPrefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}

// eventTables enthalten nur Protokolldaten und lassen sich ohne Inhalt sichern.
var eventTables = []string{"timeline_events", "unexpected_events"}

var withoutEvents bool

// dumpArgs beschränkt pg_dump auf die Tabellen des PID-Providers.
func dumpArgs(cfg *config.Config, skipEventData bool) []string {
	args := []string{
		"-h", cfg.DBHost,
		"-p", fmt.Sprint(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w",
		"--no-owner",
	}
	for _, table := range models.TableNames() {
		args = append(args, "-t", table)
	}
	if skipEventData {
		for _, table := range eventTables {
			args = append(args, "--exclude-table-data", table)
		}
	}
	return args
}

func createDump(ctx context.Context, cfg *config.Config, skipEventData bool) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	cmd := exec.CommandContext(ctx, "pg_dump", dumpArgs(cfg, skipEventData)...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.DBPassword)
	cmd.Stdout = gz
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pg_dump: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func init() {
	backupCmd.Flags().BoolVar(&withoutEvents, "without-events", false, "dump timeline and unexpected event tables without rows")
	rootCmd.AddCommand(backupCmd)
}
