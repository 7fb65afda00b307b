package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CheckResult reports what the startup integrity check found.
type CheckResult struct {
	Healthy        bool
	Quarantined    bool
	QuarantinePath string
	Elapsed        time.Duration
	Err            error // checkpoint or quick_check failure, nil when healthy
}

var sidecarSuffixes = []string{"-wal", "-shm", "-journal"}

// Purpose: Verify an existing index file before the main open path uses it.
// Key aspects: Bounded by timeout; a damaged file and its sidecars are renamed
// to "<path>.bad-<utc>" so the gallery restarts with an empty index.
// Upstream: Open.
// Downstream: pragma wal_checkpoint, pragma quick_check, os.Rename.
func Check(path string, timeout time.Duration, logf func(string, ...any)) (CheckResult, error) {
	res := CheckResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("gallery: empty path")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		res.Healthy = true
		return res, nil
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("gallery: open for check: %w", err)
	}
	db.SetMaxOpenConns(1)
	checkErr := integrity(ctx, db, timeout)
	_ = db.Close()
	res.Elapsed = time.Since(start)
	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("gallery: integrity check timed out after %s", timeout)
	}
	res.Err = checkErr

	dest, err := quarantine(path, time.Now().UTC())
	if err != nil {
		return res, fmt.Errorf("gallery: quarantine failed: %w (check=%v)", err, checkErr)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	if logf != nil {
		logf("Gallery: index failed integrity check (%v); moved to %s", checkErr, filepath.Base(dest))
	}
	return res, nil
}

func integrity(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func quarantine(path string, at time.Time) (string, error) {
	suffix := ".bad-" + at.Format("20060102T150405Z")
	dest := path + suffix
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	for _, s := range sidecarSuffixes {
		side := path + s
		if _, err := os.Stat(side); err != nil {
			continue
		}
		if err := os.Rename(side, side+suffix); err != nil {
			return dest, err
		}
	}
	return dest, nil
}
