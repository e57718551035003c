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

// Command usequities fetches all US equity symbols from the Yahoo Finance
// screener and stores their company data in a MongoDB collection, one
// document per symbol.
package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/usequities/db"
	"github.com/stockparfait/usequities/yahoo"
	"github.com/stockparfait/usequities/yahoo/equities"

	toml "github.com/pelletier/go-toml/v2"
)

type Flags struct {
	URI        string // MongoDB connection URI
	DBName     string
	Collection string
	BatchSize  int
	PageSize   int
	MaxSymbols int // 0 = unlimited
	Modules    string
	Conf       string // optional TOML config file
	LogLevel   logging.Level

	set map[string]bool // flags explicitly given on the command line
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Annotate(err, "env %s must be an integer, got '%s'", key, v)
	}
	return i, nil
}

func parseFlags(args []string) (*Flags, error) {
	batchSize, err := envOrInt("BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	pageSize, err := envOrInt("SCREENER_PAGE_SIZE", 250)
	if err != nil {
		return nil, err
	}
	maxSymbols, err := envOrInt("MAX_SYMBOLS", 0)
	if err != nil {
		return nil, err
	}

	var flags Flags
	fs := flag.NewFlagSet("usequities", flag.ExitOnError)
	fs.StringVar(&flags.URI, "mongodb-uri",
		envOr("MONGODB_URI", "mongodb://localhost:27017"),
		"MongoDB connection URI (default: env MONGODB_URI)")
	fs.StringVar(&flags.DBName, "mongodb-db",
		envOr("MONGODB_DB", "market_data"),
		"MongoDB database name (default: env MONGODB_DB)")
	fs.StringVar(&flags.Collection, "mongodb-collection",
		envOr("MONGODB_COLLECTION", "us_equities"),
		"MongoDB collection name (default: env MONGODB_COLLECTION)")
	fs.IntVar(&flags.BatchSize, "batch-size", batchSize,
		"number of symbols to fetch and upsert per batch (default: env BATCH_SIZE)")
	fs.IntVar(&flags.PageSize, "screener-page-size", pageSize,
		"number of symbols to request per screener page (default: env SCREENER_PAGE_SIZE)")
	fs.IntVar(&flags.MaxSymbols, "max-symbols", maxSymbols,
		"limit on the number of symbols to process; 0 = unlimited (default: env MAX_SYMBOLS)")
	fs.StringVar(&flags.Modules, "modules",
		strings.Join(equities.DefaultModules, ","),
		"comma-separated list of quoteSummary modules to fetch")
	fs.StringVar(&flags.Conf, "conf", "", "optional TOML config file")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	flags.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })
	return &flags, nil
}

type Config struct {
	URI        string   `toml:"mongodb_uri"`
	DBName     string   `toml:"mongodb_db"`
	Collection string   `toml:"mongodb_collection"`
	BatchSize  int      `toml:"batch_size"`
	PageSize   int      `toml:"screener_page_size"`
	MaxSymbols int      `toml:"max_symbols"`
	Modules    []string `toml:"modules"`
}

func parseConfig(filePath string) (*Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	return &c, nil
}

// merge applies config file values for the settings not explicitly given on
// the command line. Flags beat the file, the file beats the environment.
func (flags *Flags) merge(c *Config) {
	if c.URI != "" && !flags.set["mongodb-uri"] {
		flags.URI = c.URI
	}
	if c.DBName != "" && !flags.set["mongodb-db"] {
		flags.DBName = c.DBName
	}
	if c.Collection != "" && !flags.set["mongodb-collection"] {
		flags.Collection = c.Collection
	}
	if c.BatchSize > 0 && !flags.set["batch-size"] {
		flags.BatchSize = c.BatchSize
	}
	if c.PageSize > 0 && !flags.set["screener-page-size"] {
		flags.PageSize = c.PageSize
	}
	if c.MaxSymbols > 0 && !flags.set["max-symbols"] {
		flags.MaxSymbols = c.MaxSymbols
	}
	if len(c.Modules) > 0 && !flags.set["modules"] {
		flags.Modules = strings.Join(c.Modules, ",")
	}
}

func splitModules(s string) []string {
	var modules []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	return modules
}

func importData(ctx context.Context, flags *Flags) error {
	if flags.Conf != "" {
		c, err := parseConfig(flags.Conf)
		if err != nil {
			return errors.Annotate(err, "failed to parse config")
		}
		flags.merge(c)
	}
	w, err := db.NewWriter(ctx, flags.URI, flags.DBName, flags.Collection)
	if err != nil {
		return errors.Annotate(err, "failed to connect to the database")
	}
	defer w.Close(ctx)
	if err := w.EnsureSymbolIndex(ctx); err != nil {
		return errors.Annotate(err, "failed to create the symbol index")
	}

	ctx = yahoo.UseClient(ctx, nil)
	d := equities.NewDataset()
	config := equities.Config{
		PageSize:   flags.PageSize,
		MaxSymbols: flags.MaxSymbols,
		BatchSize:  flags.BatchSize,
		Modules:    splitModules(flags.Modules),
	}
	if err := d.ImportAll(ctx, w, config); err != nil {
		return errors.Annotate(err, "failed to import company data")
	}
	return nil
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := importData(ctx, flags); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
