package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/batchwrite/coordinator/internal/pdclient"
	"github.com/batchwrite/coordinator/internal/rpcclient"
	"github.com/batchwrite/coordinator/internal/tablelock"
)

var (
	dbName    string
	tableName string
	replace   bool
)

func newWriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Resolve a target table and check its side channel",
		Args:  cobra.NoArgs,
		RunE:  runWriteCommand,
	}
	cmd.Flags().StringVar(&dbName, "db", "", "target database name")
	cmd.Flags().StringVar(&tableName, "table", "", "target table name")
	cmd.Flags().BoolVar(&replace, "replace", conf.Write.Replace, "replace conflicting rows instead of aborting")
	return cmd
}

// runWriteCommand checks a target table using the process config. It
// does not itself know how to produce a dataset.Dataset — that comes
// from whatever compute engine embeds this binary as a library instead,
// per spec.md's "library, not a server" framing (see batchwrite.go). The
// command resolves the table through the catalog, dials the table-lock
// side channel (when configured) to report whether it answers, and
// prints a summary of the table. It writes no data, takes no table lock,
// plans no region splits, and does not read the --replace flag.
func runWriteCommand(cmd *cobra.Command, args []string) error {
	if dbName == "" || tableName == "" {
		return fmt.Errorf("write: --db and --table are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pd, err := pdclient.Dial(ctx, conf.PDAddrs)
	if err != nil {
		return err
	}
	defer pd.Close()

	meta, err := rpcclient.DialCatalog(ctx, conf.StoreAddr)
	if err != nil {
		return err
	}

	table, err := meta.GetTable(ctx, dbName, tableName)
	if err != nil {
		return err
	}
	log.Info("[batchwrite] resolved target table",
		zap.String("db", dbName), zap.String("table", tableName),
		zap.Int64("tableID", table.TableID))

	if conf.Write.UseTableLock && conf.Write.SideChannelURL != "" {
		sc, err := tablelock.Dial(ctx, conf.Write.SideChannelURL)
		if err != nil {
			if lockErr := tablelock.RequireOrFail(conf.Write.UseTableLock, conf.Write.OverrideTableLock, err); lockErr != nil {
				return lockErr
			}
		} else {
			defer sc.Close()
			log.Info("[batchwrite] side channel reachable", zap.Bool("healthy", sc.Healthy()))
		}
	}

	fmt.Printf("table %s.%s ready: tableID=%d columns=%d indices=%d pkIsHandle=%v\n",
		dbName, tableName, table.TableID, len(table.Columns), len(table.Indices), table.PKIsHandle)
	return nil
}
