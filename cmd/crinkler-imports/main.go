// Command crinkler-imports exercises the import-resolution core end to end
// without a real linker attached: it reads a small JSON manifest standing in
// for the linker's hunk list, runs the standard or 1K core, and prints the
// resulting hunks' symbol tables as JSON.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cnheider/Crinkler/internal/calog"
	"github.com/cnheider/Crinkler/internal/collect"
	"github.com/cnheider/Crinkler/internal/hunk"
	"github.com/cnheider/Crinkler/internal/peimage"
	"github.com/cnheider/Crinkler/internal/stdimport"
	"github.com/cnheider/Crinkler/internal/tinyimport"
)

var (
	mode      string
	rangeDlls []string
	verbose   bool
	cfgFile   string
)

// importEntry mirrors one row of an imports.json manifest.
type importEntry struct {
	Hunk     string `json:"hunk"`
	DLL      string `json:"dll"`
	Function string `json:"function"`
}

func loadManifest(path string) (*hunk.List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []importEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	list := hunk.NewList()
	for _, e := range entries {
		list.Append(hunk.NewImportHunk(e.Hunk, e.DLL, e.Function))
	}
	return list, nil
}

func prettyPrint(v interface{}) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error marshaling: %v", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, buf, "", "\t"); err != nil {
		return string(buf)
	}
	return pretty.String()
}

func resolve(cmd *cobra.Command, args []string) error {
	searchDir := args[0]
	manifestPath := args[1]

	logger := calog.New(verbose)

	hunks, err := loadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	cache := peimage.NewCache([]string{searchDir}, logger)
	defer cache.Close()

	switch strings.ToLower(mode) {
	case "standard":
		imports, enableRange, unused, err := collect.Standard(hunks, rangeDlls, cache, logger)
		if err != nil {
			return err
		}
		for _, dll := range unused {
			logger.Warnf("range dll %q received no imports", dll)
		}
		result, hashHunk, err := stdimport.Emit(imports, rangeDlls, enableRange, cache)
		if err != nil {
			return err
		}
		fmt.Println(prettyPrint(struct {
			Hunks             *hunk.List `json:"hunks"`
			HashHunk          *hunk.Hunk `json:"hash_hunk"`
			EnableRangeImport bool       `json:"enable_range_import"`
		}{result, hashHunk, enableRange}))

	case "1k":
		imports, err := collect.OneK(hunks, cache, logger)
		if err != nil {
			return err
		}
		infos, err := tinyimport.BuildDLLInfos(imports, cache)
		if err != nil {
			return err
		}
		search, err := tinyimport.Search(infos, logger)
		if err != nil {
			return err
		}
		result, maxNameLen, err := tinyimport.Emit(search, imports)
		if err != nil {
			return err
		}
		fmt.Println(prettyPrint(struct {
			Hunks            *hunk.List `json:"hunks"`
			HashBits         uint8      `json:"hash_bits"`
			MaxDLLNameLength int        `json:"max_dll_name_length"`
			HashFamily       uint32     `json:"hash_family"`
			DLLOrder         []string   `json:"dll_order"`
		}{result, search.Family.Bits, maxNameLen, search.Family.Value, search.Order}))

	default:
		return fmt.Errorf("unknown mode %q (want standard or 1k)", mode)
	}

	return nil
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err == nil {
			if len(rangeDlls) == 0 {
				rangeDlls = viper.GetStringSlice("range_dlls")
			}
		}
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "crinkler-imports",
		Short: "Import resolution and packing core for a 32-bit PE linker",
		Long:  "Resolves unresolved external symbol imports against a set of DLLs and emits the runtime stub's import data structures, in standard or 1K mode.",
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve <dll-search-dir> <imports.json>",
		Short: "Resolve an imports manifest and print the emitted hunks as JSON",
		Args:  cobra.ExactArgs(2),
		RunE:  resolve,
	}

	resolveCmd.Flags().StringVar(&mode, "mode", "standard", "resolution mode: standard or 1k")
	resolveCmd.Flags().StringSliceVar(&rangeDlls, "range-dll", nil, "DLL name eligible for ordinal-range compression (standard mode only, repeatable)")
	resolveCmd.Flags().StringVar(&cfgFile, "config", "", "optional config file (viper-loaded) supplying range_dlls")

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostic output")

	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(resolveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
