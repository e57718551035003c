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

// Package db writes company data to a MongoDB collection, one document per
// symbol.
package db

import (
	"context"
	"time"

	"github.com/stockparfait/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CompanyRow is the per-symbol document. Data maps a quoteSummary module
// name to its raw fields; a nil Data is stored as null for a symbol the API
// returned nothing for.
type CompanyRow struct {
	Symbol      string                 `bson:"symbol"`
	LastUpdated time.Time              `bson:"last_updated"`
	Data        map[string]interface{} `bson:"data"`
}

// UpsertStats summarizes the result of a bulk upsert.
type UpsertStats struct {
	Upserted int64
	Matched  int64
	Modified int64
}

// Writer upserts company documents into a collection.
type Writer struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewWriter connects to the given MongoDB URI and verifies connectivity with
// a ping. Call Close when done.
func NewWriter(ctx context.Context, uri, dbName, collection string) (*Writer, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Annotate(err, "failed to connect to '%s'", uri)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, errors.Annotate(err, "failed to ping '%s'", uri)
	}
	w := &Writer{
		client: client,
		coll:   client.Database(dbName).Collection(collection),
	}
	return w, nil
}

// EnsureSymbolIndex creates the unique index on the symbol key, if it
// doesn't exist yet.
func (w *Writer) EnsureSymbolIndex(ctx context.Context) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: "symbol", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := w.coll.Indexes().CreateOne(ctx, model); err != nil {
		return errors.Annotate(err, "failed to create index on 'symbol'")
	}
	return nil
}

// upsertModels builds the bulk write operations for the rows: a full
// document replacement keyed by symbol, inserting when absent.
func upsertModels(rows []CompanyRow) []mongo.WriteModel {
	models := make([]mongo.WriteModel, len(rows))
	for i, row := range rows {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "symbol", Value: row.Symbol}}).
			SetReplacement(row).
			SetUpsert(true)
	}
	return models
}

// UpsertCompanies writes the rows as an unordered bulk of replace-or-insert
// operations keyed by symbol. There is no transaction across rows; some rows
// may persist even when the bulk write returns an error.
func (w *Writer) UpsertCompanies(ctx context.Context, rows []CompanyRow) (UpsertStats, error) {
	var stats UpsertStats
	if len(rows) == 0 {
		return stats, nil
	}
	opts := options.BulkWrite().SetOrdered(false)
	res, err := w.coll.BulkWrite(ctx, upsertModels(rows), opts)
	if err != nil {
		return stats, errors.Annotate(err, "failed to bulk-write %d rows", len(rows))
	}
	stats.Upserted = res.UpsertedCount
	stats.Matched = res.MatchedCount
	stats.Modified = res.ModifiedCount
	return stats, nil
}

// Close disconnects from the server.
func (w *Writer) Close(ctx context.Context) error {
	if err := w.client.Disconnect(ctx); err != nil {
		return errors.Annotate(err, "failed to disconnect")
	}
	return nil
}
