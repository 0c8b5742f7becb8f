package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinyobj/kv/callout"
	"github.com/pingcap-incubator/tinyobj/kv/config"
	"github.com/pingcap-incubator/tinyobj/kv/dataspace"
	"github.com/pingcap-incubator/tinyobj/kv/swap"
	"github.com/pingcap-incubator/tinyobj/kv/value"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dsctl",
		Short: "Inspect a dataspace store",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store directory, overrides engine.db-path")

	rootCmd.AddCommand(
		newListCommand(),
		newProgramsCommand(),
		newDumpCommand(),
	)

	cobra.EnablePrefixMatching = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(rootCmd.UsageString())
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if dbPath != "" {
		conf.Engine.DBPath = dbPath
	}
	log.SetLevelByString(conf.LogLevel)
	return conf
}

func openStore(conf *config.Config) *swap.BadgerStore {
	store, err := swap.NewBadgerStore(&conf.Engine)
	if err != nil {
		log.Fatal(err)
	}
	return store
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored dataspaces",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			conf := loadConfig()
			store := openStore(conf)
			defer store.Close()

			ids, err := store.IDs(swap.KindDataspace)
			if err != nil {
				log.Fatal(err)
			}
			var total int64
			for _, id := range ids {
				record, err := store.Get(swap.KindDataspace, id)
				if err != nil {
					log.Fatal(err)
				}
				sectors, err := swap.Sectors(record)
				if err != nil {
					log.Errorf("object %d: %v", id, err)
					continue
				}
				total += int64(len(record))
				fmt.Printf("%8d %6d sectors %10s\n", id, sectors, units.BytesSize(float64(len(record))))
			}
			fmt.Printf("%d dataspaces, %s\n", len(ids), units.BytesSize(float64(total)))
		},
	}
}

func newProgramsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List stored program control blocks",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			conf := loadConfig()
			store := openStore(conf)
			defer store.Close()

			m, err := dataspace.NewManager(conf, store, callout.NewQueue(nil), nil)
			if err != nil {
				log.Fatal(err)
			}
			ids, err := store.IDs(swap.KindControl)
			if err != nil {
				log.Fatal(err)
			}
			for _, id := range ids {
				p, err := m.Program(id)
				if err != nil {
					log.Fatal(err)
				}
				fmt.Printf("%8d %s, %d variables, %d upgrades\n", id, p, len(p.Variables), len(p.History))
			}
		},
	}
}

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump object",
		Short: "Print the variables and callouts of a stored dataspace",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			index, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				log.Fatal(err)
			}
			conf := loadConfig()
			store := openStore(conf)
			defer store.Close()

			m, err := dataspace.NewManager(conf, store, callout.NewQueue(nil), nil)
			if err != nil {
				log.Fatal(err)
			}
			ds, err := m.Load(uint32(index))
			if err != nil {
				log.Fatal(err)
			}
			dump(ds)
		},
	}
}

func dump(ds *dataspace.Dataspace) {
	prog := ds.Program()
	fmt.Printf("object %d, program %s\n", ds.Index(), prog)
	for i := 0; i < ds.NumVariables(); i++ {
		v, err := ds.GetVariable(i)
		if err != nil {
			log.Fatal(err)
		}
		line := fmt.Sprintf("  %-16s %s", prog.Variables[i].Name, format(v))
		if sh := v.Shared(); sh != nil {
			if n, ok := ds.RefCount(sh); ok {
				line += fmt.Sprintf(" (refs %d)", n)
			}
		}
		fmt.Println(line)
	}
	for _, c := range ds.Callouts() {
		fmt.Printf("  callout %d %s at %d.%03d", c.Handle, c.Func, c.Time, c.MTime)
		for _, v := range c.Arguments() {
			fmt.Printf(" %s", format(v))
		}
		fmt.Println()
	}
}

// format pages in every array reachable from v so it prints in full.
func format(v value.Value) string {
	seen := make(map[*value.Array]bool)
	var page func(v value.Value)
	page = func(v value.Value) {
		if !v.Kind.IsArray() || seen[v.Arr] {
			return
		}
		seen[v.Arr] = true
		v.Arr.PageIn()
		for _, e := range v.Arr.Elts {
			page(e)
		}
	}
	page(v)
	return v.String()
}
