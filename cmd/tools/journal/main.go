package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"tradecore/internal/journal"
	"tradecore/internal/store"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// journal prints records of a trader journal, optionally filtered.
func main() {
	dir := flag.String("dir", "data/journal", "Journal directory")
	prefix := flag.String("prefix", "", "Journal file prefix (default: journal)")
	kind := flag.String("kind", "", "Record kind, e.g. SIGNAL, FILL, CONFLICT")
	symbol := flag.String("symbol", "", "Record symbol")
	key := flag.String("key", "", "Record key, e.g. a client order id")
	since := flag.Duration("since", 0, "Only records newer than now-since (0=all)")
	limit := flag.Int("limit", 0, "Max records to print (0=unlimited)")
	payload := flag.Bool("payload", true, "Print record payloads")
	flag.Parse()

	criteria := store.Criteria{
		Symbol: strings.ToUpper(*symbol),
		Key:    *key,
		Limit:  *limit,
	}
	if *kind != "" {
		k, err := store.ParseKind(*kind)
		if err != nil {
			logs.Errorf("parse kind, err: %+v", err)
			os.Exit(2)
		}
		criteria.Kind = k
	}
	if *since > 0 {
		criteria.Since = time.Now().Add(-*since)
	}

	cfg := journal.DefaultConfig(*dir)
	if *prefix != "" {
		cfg.FilePrefix = *prefix
	}
	if err := dump(context.Background(), cfg, criteria, *payload); err != nil {
		logs.Errorf("dump journal, err: %+v", err)
		os.Exit(1)
	}
}

func dump(ctx context.Context, cfg journal.Config, criteria store.Criteria, withPayload bool) error {
	j, err := journal.Open(cfg)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	defer func() {
		_ = j.Close()
	}()

	records, err := j.Query(ctx, criteria)
	if err != nil {
		return errors.Wrap(err, "query journal")
	}
	for _, r := range records {
		fmt.Printf("%08d %s %-16s %-10s key=%s len=%d\n", r.Seq, r.At.UTC().Format(time.RFC3339Nano), r.Kind, r.Symbol, r.Key, len(r.Payload))
		if withPayload {
			fmt.Printf("  %s\n", r.Payload)
		}
	}
	logs.Infof("%d records", len(records))
	return nil
}
