package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/abrplay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing abrplay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to a file to create a configuration template:

  abrplay config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, $HOME/.abrplay/config.yaml, /etc/abrplay/config.yaml)
  - Environment variables (ABRPLAY_ADAPTATION_LOGIC, ABRPLAY_BUFFERING_MIN, etc.)
  - Command-line flags of the play command

Environment variables use the ABRPLAY_ prefix and underscores for nesting.
Example: buffering.min -> ABRPLAY_BUFFERING_MIN`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return dumpConfig(cmd.OutOrStdout(), config.Default())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and byte sizes in their human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := range val.NumField() {
		field := val.Field(i)
		key := typ.Field(i).Tag.Get("mapstructure")
		if key == "" {
			key = typ.Field(i).Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		case config.ByteSize:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# abrplay configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# All values shown below are defaults.")
	fmt.Fprintln(w, "# Duration format: 500ms, 6s, 1m")
	fmt.Fprintln(w, "# Size format: 32KiB, 1MB")
	fmt.Fprintln(w)
	_, err = w.Write(data)
	return err
}
