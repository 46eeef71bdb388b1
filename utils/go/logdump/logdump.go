// SPDX-License-Identifier: GPL-2.0-or-later

// Package logdump is a script that prints stored log entries, newest
// first.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"strings"
	"sync"
	"time"

	"sentinel/pkg/log"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	dbPath := flag.String("db", "", "path to logs.db")
	limit := flag.Int("limit", 100, "maximum number of entries")
	source := flag.String("source", "", "only entries from this source")
	camera := flag.String("camera", "", "only entries from this camera")
	errorsOnly := flag.Bool("errors", false, "only errors and warnings")
	flag.Parse()

	if *dbPath == "" {
		flag.Usage()
		return nil
	}

	logDB := log.NewDB(*dbPath, &sync.WaitGroup{})
	if err := logDB.Init(context.Background()); err != nil {
		return fmt.Errorf("open log database: %w", err)
	}

	q := log.Query{Limit: *limit}
	if *source != "" {
		q.Sources = []string{*source}
	}
	if *camera != "" {
		q.Cameras = []string{*camera}
	}
	if *errorsOnly {
		q.Levels = []log.Level{log.LevelError, log.LevelWarning}
	}

	entries, err := logDB.Query(q)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}

	for _, entry := range *entries {
		fmt.Println(formatEntry(entry))
	}
	return nil
}

func formatEntry(entry log.Entry) string {
	var b strings.Builder

	t := time.UnixMicro(int64(entry.Time)).UTC()
	b.WriteString(t.Format(time.RFC3339))

	switch entry.Level {
	case log.LevelError:
		b.WriteString(" [ERROR]")
	case log.LevelWarning:
		b.WriteString(" [WARNING]")
	case log.LevelInfo:
		b.WriteString(" [INFO]")
	case log.LevelDebug:
		b.WriteString(" [DEBUG]")
	}

	if entry.Src != "" {
		b.WriteString(" " + entry.Src + ":")
	}
	if entry.Camera != "" {
		b.WriteString(" " + entry.Camera + ":")
	}
	b.WriteString(" " + entry.Msg)
	return b.String()
}
