// Copyright 2025 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package equities discovers US equity symbols through the Yahoo Finance
// screener and imports their quoteSummary data into the database, batch by
// batch.
package equities

import (
	"context"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/usequities/db"
	"github.com/stockparfait/usequities/yahoo"
)

// DefaultModules are the quoteSummary modules fetched when the caller
// doesn't request a specific set.
var DefaultModules = []string{
	"assetProfile",
	"summaryProfile",
	"quoteType",
	"price",
	"summaryDetail",
	"defaultKeyStatistics",
	"financialData",
}

const (
	defaultPageSize  = 250
	defaultBatchSize = 50
)

// CompanyWriter persists company rows. Implemented by db.Writer.
type CompanyWriter interface {
	UpsertCompanies(ctx context.Context, rows []db.CompanyRow) (db.UpsertStats, error)
}

var _ CompanyWriter = &db.Writer{}

// Config of a single import run.
type Config struct {
	PageSize   int      // screener page size; default: 250
	MaxSymbols int      // cap on the number of symbols; 0 = unlimited
	BatchSize  int      // symbols per fetch & upsert batch; default: 50
	Modules    []string // quoteSummary modules; default: DefaultModules
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.MaxSymbols < 0 {
		c.MaxSymbols = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if len(c.Modules) == 0 {
		c.Modules = DefaultModules
	}
	return c
}

// Dataset accumulates the discovered symbols and the import progress
// counters.
type Dataset struct {
	Symbols    []string // in discovery order, duplicate-free
	NumBatches int
	NumRows    int
}

// NewDataset initializes an empty dataset.
func NewDataset() *Dataset {
	return &Dataset{}
}

// DiscoverSymbols pages through the screener and accumulates US equity
// symbols until the endpoint is exhausted or maxSymbols (when > 0) is
// reached. When the cap falls in the middle of a page, the rest of that page
// is discarded. Pages are fetched lazily, so at most ceil(maxSymbols /
// pageSize) screener calls are made.
func (d *Dataset) DiscoverSymbols(ctx context.Context, pageSize, maxSymbols int) error {
	q := yahoo.NewScreenerQuery().Size(pageSize)
	it := q.Read(ctx)
	seen := make(map[string]struct{})
	for maxSymbols <= 0 || len(d.Symbols) < maxSymbols {
		symbol, ok, err := it.Next()
		if err != nil {
			return errors.Annotate(err, "failed to read screener results")
		}
		if !ok {
			break
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		d.Symbols = append(d.Symbols, symbol)
	}
	logging.Infof(ctx, "discovered %d symbols in %d screener pages",
		len(d.Symbols), it.PageCount())
	return nil
}

// batchSymbols splits the symbols into consecutive batches of at most size
// each; the last batch may be shorter.
func batchSymbols(symbols []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[start:end])
	}
	return batches
}

// ImportCompanies fetches the modules for the discovered symbols in batches
// of batchSize, and upserts each batch before fetching the next. A transport
// error aborts the run; batches already written stay in the database.
func (d *Dataset) ImportCompanies(ctx context.Context, w CompanyWriter, modules []string, batchSize int) error {
	if batchSize <= 0 {
		return errors.Reason("batch size = %d must be > 0", batchSize)
	}
	batches := batchSymbols(d.Symbols, batchSize)
	for i, batch := range batches {
		logging.Infof(ctx, "fetching batch %d/%d (%d symbols)",
			i+1, len(batches), len(batch))
		timestamp := time.Now().UTC()
		rows := make([]db.CompanyRow, len(batch))
		for j, symbol := range batch {
			data, err := yahoo.FetchQuoteSummary(ctx, symbol, modules)
			if err != nil {
				return errors.Annotate(err, "failed to fetch %s in batch %d",
					symbol, i+1)
			}
			rows[j] = db.CompanyRow{
				Symbol:      symbol,
				LastUpdated: timestamp,
				Data:        data,
			}
		}
		stats, err := w.UpsertCompanies(ctx, rows)
		if err != nil {
			return errors.Annotate(err, "failed to upsert batch %d", i+1)
		}
		d.NumBatches++
		d.NumRows += len(rows)
		logging.Infof(ctx, "upserted %d documents (matched %d, modified %d)",
			stats.Upserted, stats.Matched, stats.Modified)
	}
	return nil
}

// ImportAll runs the full pipeline: discover the symbols, then fetch and
// upsert their company data batch by batch.
func (d *Dataset) ImportAll(ctx context.Context, w CompanyWriter, c Config) error {
	c = c.withDefaults()
	if err := d.DiscoverSymbols(ctx, c.PageSize, c.MaxSymbols); err != nil {
		return errors.Annotate(err, "failed to discover symbols")
	}
	if len(d.Symbols) == 0 {
		logging.Warningf(ctx, "no symbols found from screener")
		return nil
	}
	if err := d.ImportCompanies(ctx, w, c.Modules, c.BatchSize); err != nil {
		return errors.Annotate(err, "failed to import company data")
	}
	logging.Infof(ctx, "imported %d companies in %d batches", d.NumRows, d.NumBatches)
	return nil
}
