package commands

import (
	"context"
	"encoding/json"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/command"
	"github.com/teranos/instrument-server/internal/registry"
	"github.com/teranos/instrument-server/internal/rpcserver"
)

// registerTestHandler wires the `test` RPC command: creates an
// instrument from a config file, sends one verb synchronously, then
// tears the instrument back down — per SPEC_FULL.md §6's "one-shot
// command against a freshly-created, then torn-down instrument".
func registerTestHandler(rpc *rpcserver.Server, reg *registry.Registry) {
	rpc.Register("test", func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p struct {
			Config string                 `json:"config"`
			Verb   string                 `json:"verb"`
			Params map[string]interface{} `json:"params"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decoding test params")
		}

		name, err := reg.CreateInstrument(p.Config)
		if err != nil {
			return nil, err
		}
		defer reg.RemoveInstrument(name)

		proxy, ok := reg.GetInstrument(name)
		if !ok {
			return nil, errors.Newf("instrument %s vanished immediately after creation", name)
		}

		params, err := rpcserver.ParamsFromJSON(p.Params)
		if err != nil {
			return nil, err
		}

		cmd := command.New(name, p.Verb)
		cmd.Params = params
		resp := proxy.ExecuteSync(ctx, cmd, cmd.EffectiveTimeout())
		return resp, nil
	})
}
