package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"relaycheck/internal/relayurl"
)

type relayInserter interface {
	InsertRelay(ctx context.Context, url string) (bool, error)
}

type importResult struct {
	Added   int
	Known   int
	Local   int
	Invalid int
}

// importRelays reads one address per line, normalises it and inserts the
// public ones. Blank lines and lines starting with # are ignored.
func importRelays(ctx context.Context, r io.Reader, store relayInserter) (importResult, error) {
	var res importResult
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		u, err := relayurl.Parse(line)
		if err != nil {
			res.Invalid++
			continue
		}
		if u.IsLocal() {
			res.Local++
			continue
		}

		added, err := store.InsertRelay(ctx, u.String())
		if err != nil {
			return res, fmt.Errorf("insert %s: %w", u, err)
		}
		if added {
			res.Added++
		} else {
			res.Known++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read relay list: %w", err)
	}
	return res, nil
}
