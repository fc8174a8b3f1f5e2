package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/instrument-server/errors"
	"github.com/teranos/instrument-server/internal/rpcserver"
)

const clientTimeout = 10 * time.Second

// callRPC POSTs a command envelope to the running daemon's /rpc endpoint
// and decodes its response, per SPEC_FULL.md §6.
func callRPC(port int, command string, params interface{}) (rpcserver.Response, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return rpcserver.Response{}, errors.Wrap(err, "encoding rpc params")
	}
	body, err := json.Marshal(rpcserver.Request{Command: command, Params: paramsJSON})
	if err != nil {
		return rpcserver.Response{}, errors.Wrap(err, "encoding rpc request")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/rpc", port)
	client := http.Client{Timeout: clientTimeout}
	httpResp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return rpcserver.Response{}, errors.Wrapf(err, "calling instrument-server at %s (is the daemon running?)", url)
	}
	defer httpResp.Body.Close()

	var resp rpcserver.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return rpcserver.Response{}, errors.Wrap(err, "decoding rpc response")
	}
	if !resp.OK {
		return resp, errors.Newf("%s", resp.Error)
	}
	return resp, nil
}

// decodeData re-marshals resp.Data (already a generic interface{} from
// JSON decoding) into out, a concrete struct, for CLI formatting.
func decodeData(resp rpcserver.Response, out interface{}) error {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return errors.Wrap(err, "re-encoding rpc response data")
	}
	return json.Unmarshal(raw, out)
}
