package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"curtailment-reconciler/internal/period"
	"curtailment-reconciler/internal/storage"
)

// NodeOptions parameterise the node JSON-RPC fetcher.
type NodeOptions struct {
	RPCURL   string
	Username string
	Password string
	Timeout  time.Duration
	Now      func() time.Time
}

// Node reads the current difficulty from a Bitcoin node over JSON-RPC.
type Node struct {
	opts      NodeOptions
	logger    zerolog.Logger
	client    *rpc.Client
	clientMux sync.Mutex
}

// NewNode builds a node difficulty fetcher.
func NewNode(opts NodeOptions, logger zerolog.Logger) *Node {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Node{opts: opts, logger: logger.With().Str("component", "node_fetcher").Logger()}
}

// FetchDifficulty returns today's difficulty as a single point. A node only knows the
// current value, so since only filters it out when it lies in the future.
func (n *Node) FetchDifficulty(ctx context.Context, since time.Time) ([]storage.DifficultyPoint, error) {
	if n.opts.RPCURL == "" {
		return nil, errors.New("node rpc url not configured")
	}

	timeout := n.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := n.getClient(ctx)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, "getdifficulty"); err != nil {
		return nil, fmt.Errorf("getdifficulty: %w", err)
	}

	difficulty, err := decimal.NewFromString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse difficulty %q: %w", string(raw), err)
	}
	if difficulty.Sign() <= 0 {
		return nil, fmt.Errorf("node returned non-positive difficulty %s", difficulty)
	}

	now := n.opts.Now().UTC()
	today := period.Day(now)
	if today.Before(period.Day(since)) {
		return nil, nil
	}

	n.logger.Debug().Str("difficulty", difficulty.String()).Str("date", period.FormatDay(today)).Msg("difficulty fetched from node")
	return []storage.DifficultyPoint{{
		EffectiveDate: today,
		Difficulty:    difficulty,
		Source:        SourceNode,
		RecordedAt:    now,
	}}, nil
}

// Close releases the RPC connection.
func (n *Node) Close() {
	n.clientMux.Lock()
	defer n.clientMux.Unlock()
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
}

func (n *Node) getClient(ctx context.Context) (*rpc.Client, error) {
	n.clientMux.Lock()
	defer n.clientMux.Unlock()

	if n.client != nil {
		return n.client, nil
	}

	var options []rpc.ClientOption
	if n.opts.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(n.opts.Username + ":" + n.opts.Password))
		options = append(options, rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Basic "+token)
			return nil
		}))
	}

	client, err := rpc.DialOptions(ctx, n.opts.RPCURL, options...)
	if err != nil {
		return nil, fmt.Errorf("dial node rpc: %w", err)
	}
	n.client = client
	return client, nil
}

var _ DifficultyFetcher = (*Node)(nil)
