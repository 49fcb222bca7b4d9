package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	transports "github.com/rzbill/stageflow/internal/cmd/client/transports"
)

// BaseURLFunc provides the base HTTP API URL (e.g., from env or flag).
type BaseURLFunc func() string

// APIURLFromEnv returns the HTTP API base URL from STAGEFLOW_HTTP or a default.
func APIURLFromEnv() string {
	if v := os.Getenv("STAGEFLOW_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

// grpcAddrFromEnv returns the gRPC server address from STAGEFLOW_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("STAGEFLOW_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

func getTransport(baseURL BaseURLFunc) transports.Transport {
	return transports.NewHTTPTransport(baseURL(), nil)
}

// printJSON re-indents a server response for terminals.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

// readPayload resolves a --data value: inline JSON, "@file" or "-" for stdin.
func readPayload(data string, stdin io.Reader) (json.RawMessage, error) {
	var b []byte
	switch {
	case data == "":
		return nil, nil
	case data == "-":
		var err error
		if b, err = io.ReadAll(stdin); err != nil {
			return nil, err
		}
	case strings.HasPrefix(data, "@"):
		var err error
		if b, err = os.ReadFile(data[1:]); err != nil {
			return nil, err
		}
	default:
		b = []byte(data)
	}
	b = bytes.TrimSpace(b)
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return b, nil
}
