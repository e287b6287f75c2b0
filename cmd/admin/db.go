package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (default: <data>/index/worldsync.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	clientID := fs.String("client", "", "client_id filter (rejections)")
	entityID := fs.String("entity", "", "entity_id filter (versions)")
	_ = fs.Parse(args)

	q := "checkpoints"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "worldsync.sqlite")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(db, q, *clientID, *entityID, *limit, printJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runQuery(db *sql.DB, q, clientID, entityID string, limit int, emit func(any)) error {
	switch q {
	case "checkpoints":
		rows, err := db.Query(`SELECT version,path,entities,digest,recorded_at FROM checkpoints ORDER BY version DESC LIMIT ?`, limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Version    int64  `json:"version"`
				Path       string `json:"path"`
				Entities   int    `json:"entities"`
				Digest     string `json:"digest"`
				RecordedAt int64  `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Version, &r.Path, &r.Entities, &r.Digest, &r.RecordedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}
		return rows.Err()

	case "versions":
		query := `SELECT version,kind,entity_id,digest,ts FROM versions`
		var qargs []any
		if entityID != "" {
			query += ` WHERE entity_id=?`
			qargs = append(qargs, entityID)
		}
		query += ` ORDER BY version DESC LIMIT ?`
		qargs = append(qargs, limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Version  int64  `json:"version"`
				Kind     string `json:"kind"`
				EntityID string `json:"entity_id"`
				Digest   string `json:"digest"`
				TS       int64  `json:"ts"`
			}
			if err := rows.Scan(&r.Version, &r.Kind, &r.EntityID, &r.Digest, &r.TS); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}
		return rows.Err()

	case "rejections":
		query := `SELECT client_id,seq,reason,at FROM rejected_inputs`
		var qargs []any
		if clientID != "" {
			query += ` WHERE client_id=?`
			qargs = append(qargs, clientID)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		qargs = append(qargs, limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ClientID string `json:"client_id"`
				Seq      int64  `json:"seq"`
				Reason   string `json:"reason"`
				At       int64  `json:"at"`
			}
			if err := rows.Scan(&r.ClientID, &r.Seq, &r.Reason, &r.At); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}
		return rows.Err()

	case "tuning":
		var v string
		if err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning'`).Scan(&v); err != nil {
			return fmt.Errorf("query: %w", err)
		}
		emit(json.RawMessage(v))
		return nil
	}
	return fmt.Errorf("unknown query %q (checkpoints|versions|rejections|tuning)", q)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
