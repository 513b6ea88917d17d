package main

import (
	"context"
	"fmt"
	"os"

	"github.com/oarkflow/aeternus"
	"github.com/urfave/cli/v3"
)

// Resolve DB path: flag > env > default.
func dbPath(c *cli.Command) string {
	if p := c.String("db-path"); p != "" {
		return p
	}
	if p := os.Getenv("AETERNUS_DB_PATH"); p != "" {
		return p
	}
	return "./aeternusdb"
}

func withDB(c *cli.Command, fn func(db *aeternus.DB) error) error {
	db, err := aeternus.Open(dbPath(c), aeternus.DefaultConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func main() {
	app := &cli.Command{
		Name:    "aeternus",
		Usage:   "AeternusDB command-line interface",
		Version: "1.0.0",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Aliases: []string{"d"},
				Usage:   "Database path",
			},
		},

		Commands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "Store a key-value pair",
				ArgsUsage: "<key> <value>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("usage: put <key> <value>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						return db.Put([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Read the value of a key",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: get <key>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						value, found, err := db.Get([]byte(c.Args().Get(0)))
						if err != nil {
							return err
						}
						if !found {
							return fmt.Errorf("key not found")
						}
						fmt.Println(string(value))
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a key",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: delete <key>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						return db.Delete([]byte(c.Args().Get(0)))
					})
				},
			},
			{
				Name:      "delete-range",
				Usage:     "Delete every key in [start, end)",
				ArgsUsage: "<start> <end>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("usage: delete-range <start> <end>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						return db.DeleteRange([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
					})
				},
			},
			{
				Name:      "scan",
				Usage:     "List the live pairs in [start, end)",
				ArgsUsage: "<start> <end>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("usage: scan <start> <end>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						it, err := db.Scan([]byte(c.Args().Get(0)), []byte(c.Args().Get(1)))
						if err != nil {
							return err
						}
						defer it.Close()
						for it.Next() {
							fmt.Printf("%s\t%s\n", it.Key(), it.Value())
						}
						return nil
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Print engine counters",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withDB(c, func(db *aeternus.DB) error {
						s, err := db.Stats()
						if err != nil {
							return err
						}
						fmt.Printf("sstables:        %d\n", s.SstablesCount)
						fmt.Printf("frozen:          %d\n", s.FrozenCount)
						fmt.Printf("memtable bytes:  %d\n", s.ActiveMemtableBytes)
						fmt.Printf("last lsn:        %d\n", s.LastLSN)
						fmt.Printf("records on disk: %d\n", s.TotalRecordCount)
						fmt.Printf("bytes on disk:   %d\n", s.TotalFileSize)
						return nil
					})
				},
			},
			{
				Name:  "flush",
				Usage: "Flush all frozen memtables to sorted tables",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withDB(c, func(db *aeternus.DB) error {
						return db.FlushAllFrozen()
					})
				},
			},
			{
				Name:  "compact",
				Usage: "Run a compaction",
				Commands: []*cli.Command{
					{
						Name:  "minor",
						Usage: "Size-tiered merge of one bucket",
						Action: func(ctx context.Context, c *cli.Command) error {
							return withDB(c, func(db *aeternus.DB) error { return db.MinorCompact() })
						},
					},
					{
						Name:  "major",
						Usage: "Full merge of all sorted tables",
						Action: func(ctx context.Context, c *cli.Command) error {
							return withDB(c, func(db *aeternus.DB) error { return db.MajorCompact() })
						},
					},
					{
						Name:  "tombstone",
						Usage: "Garbage-collect droppable tombstones",
						Action: func(ctx context.Context, c *cli.Command) error {
							return withDB(c, func(db *aeternus.DB) error { return db.TombstoneCompact() })
						},
					},
				},
			},
			{
				Name:      "backup",
				Usage:     "Write a backup set under the destination directory",
				ArgsUsage: "<dest-dir>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: backup <dest-dir>")
					}
					return withDB(c, func(db *aeternus.DB) error {
						setDir, err := db.Backup(c.Args().Get(0))
						if err != nil {
							return err
						}
						fmt.Println(setDir)
						return nil
					})
				},
			},
			{
				Name:      "restore",
				Usage:     "Restore a backup set into an empty database path",
				ArgsUsage: "<set-dir>",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: restore <set-dir>")
					}
					return aeternus.Restore(c.Args().Get(0), dbPath(c))
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
