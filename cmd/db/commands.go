package db

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/ctxd/cmd/util"
	"github.com/ValentinKolb/ctxd/lib/db"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	createTableCmd = &cobra.Command{
		Use:     "create-table [table] [columns]",
		Short:   "Creates a table, row_id is added implicitly",
		Example: `  ctxd db create-table steps "count INTEGER NOT NULL, source TEXT"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := database.CreateTableSync(args[0], args[1], viper.GetString("option")); err != nil {
				return err
			}
			pterm.Success.Printfln("table %s created", args[0])
			return nil
		},
	}
	insertCmd = &cobra.Command{
		Use:     "insert [table] [column=value]...",
		Short:   "Inserts a record, integer values are stored as integers",
		Example: `  ctxd db insert steps count=120 source=watch`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := parseRecord(args[1:])
			if err != nil {
				return err
			}
			rowID, err := database.InsertSync(args[0], record)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("inserted into %s, row_id=%d", args[0], rowID)
			return nil
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Executes a statement and prints the result rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := database.ExecuteSync(args[0])
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				pterm.Info.Println("no rows")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(tableData(rows)).Render()
		},
	}
)

func init() {
	createTableCmd.Flags().String("option", "", util.WrapString("Table option appended to the statement (e.g. WITHOUT ROWID)"))
}

// parseRecord parses column=value pairs
func parseRecord(pairs []string) (db.Record, error) {
	record := make(db.Record, len(pairs))
	for _, pair := range pairs {
		column, value, ok := strings.Cut(pair, "=")
		if !ok || column == "" {
			return nil, fmt.Errorf("invalid column value pair: %s (expected column=value)", pair)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			record[column] = n
		} else {
			record[column] = value
		}
	}
	return record, nil
}

// tableData renders rows with row_id first and the other columns sorted
func tableData(rows []db.Row) pterm.TableData {
	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for column := range row {
			columnSet[column] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for column := range columnSet {
		columns = append(columns, column)
	}
	sort.Slice(columns, func(i, j int) bool {
		if columns[i] == "row_id" || columns[j] == "row_id" {
			return columns[i] == "row_id"
		}
		return columns[i] < columns[j]
	})

	data := pterm.TableData{columns}
	for _, row := range rows {
		line := make([]string, len(columns))
		for i, column := range columns {
			if v, ok := row[column]; ok {
				line[i] = fmt.Sprint(v)
			}
		}
		data = append(data, line)
	}
	return data
}
