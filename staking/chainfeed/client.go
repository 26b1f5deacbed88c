// Package chainfeed provides an optional, read-only helper that fetches
// a Bitcoin merkle inclusion proof for an already-confirmed staking
// transaction from a block-explorer-style REST endpoint, and formats it
// exactly as the post-registration flow in spec §4.H and §6 requires:
// sibling hashes reversed and concatenated deepest-first, block hash
// byte-reversed from its display form.
//
// It is not part of the core build/sign/validate pipeline and never
// funds, signs, or broadcasts anything (spec §1, §13's Non-goals). The
// Delegation Manager does not call it: SignAndRegister always assembles
// the registration message without an inclusion proof, and no exported
// Manager method accepts one.
//
// The rate-limited retrying HTTP client is adapted from the teacher's
// lightweight-wallet/chain/mempool.Client (see DESIGN.md), trimmed to the
// one concern this spec needs: a merkle-proof lookup and a tip-height
// read. The block/epoch subscription machinery, the generic TTL cache,
// and most response types in the teacher package are dropped along with
// it — nothing in SPEC_FULL needs a subscription feed.
package chainfeed

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/btcstaker/stakingtx/staking/stakingerr"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the base URL of a mempool.space-compatible REST API.
	BaseURL string

	// RateLimit is the number of requests per second allowed.
	RateLimit int

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int

	// RetryDelay is the base delay between retry attempts.
	RetryDelay time.Duration
}

// DefaultConfig returns a Config pointed at the public mempool.space API
// with conservative rate limiting and retry behavior.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "https://mempool.space/api",
		RateLimit:     4,
		Timeout:       20 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    time.Second,
	}
}

// Validate checks that cfg is usable by New.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"base url is required")
	}
	if c.RateLimit <= 0 {
		return stakingerr.WithReason(stakingerr.ErrInvalidParams,
			"rate limit must be positive")
	}

	return nil
}

// Client is a rate-limited REST client for the one-shot chain reads the
// post-registration flow needs: the BTC tip height and a confirmed
// transaction's merkle inclusion proof.
type Client struct {
	cfg *Config

	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// New constructs a Client from cfg. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
	}, nil
}

// doRequest performs a rate-limited GET with a fixed retry count on
// transient failures, mirroring the teacher's doRequest shape with the
// write path (POST broadcast) removed — this client never broadcasts.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, stakingerr.WrapExternal("chainfeed", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, stakingerr.WrapExternal("chainfeed", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.cfg.RetryAttempts {
				time.Sleep(c.cfg.RetryDelay * time.Duration(attempt+1))
				continue
			}
			return nil, stakingerr.WrapExternal("chainfeed", lastErr)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, stakingerr.WrapExternal("chainfeed", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode,
			string(body))
		if (resp.StatusCode == 429 || resp.StatusCode >= 500) &&
			attempt < c.cfg.RetryAttempts {

			time.Sleep(c.cfg.RetryDelay * time.Duration(attempt+1))
			continue
		}

		return nil, stakingerr.WrapExternal("chainfeed", lastErr)
	}

	return nil, stakingerr.WrapExternal("chainfeed", lastErr)
}

// GetTipHeight returns the current Bitcoin block height.
func (c *Client) GetTipHeight(ctx context.Context) (uint32, error) {
	body, err := c.doRequest(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	var height uint32
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, stakingerr.WrapExternal("chainfeed", err)
	}

	return height, nil
}

// merkleProofResponse mirrors the mempool.space /tx/:txid/merkle-proof
// shape: the sibling hashes from leaf to root, display-order (big-endian
// hex), and the transaction's position within the block.
type merkleProofResponse struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

// txStatusResponse carries just the confirming block hash, display form.
type txStatusResponse struct {
	Confirmed bool   `json:"confirmed"`
	BlockHash string `json:"block_hash"`
}

// InclusionProof is the merkle inclusion data the registration message's
// post-registration path carries (spec §4.H, §6): the transaction's
// index within the block, the confirming block hash reversed from its
// display form, and the sibling path serialized as
// concat(reverse_bytes(sibling_i)) with the deepest sibling first.
type InclusionProof struct {
	Index             uint32
	BlockHashReversed [32]byte
	MerklePath        []byte
}

// GetInclusionProof fetches and formats the merkle inclusion proof for
// a confirmed transaction (spec §4.H's post-registration flow).
func (c *Client) GetInclusionProof(
	ctx context.Context, txid string,
) (*InclusionProof, error) {

	proofBody, err := c.doRequest(ctx, "/tx/"+txid+"/merkle-proof")
	if err != nil {
		return nil, err
	}

	var proof merkleProofResponse
	if err := json.Unmarshal(proofBody, &proof); err != nil {
		return nil, stakingerr.WrapExternal("chainfeed", err)
	}

	statusBody, err := c.doRequest(ctx, "/tx/"+txid+"/status")
	if err != nil {
		return nil, err
	}

	var status txStatusResponse
	if err := json.Unmarshal(statusBody, &status); err != nil {
		return nil, stakingerr.WrapExternal("chainfeed", err)
	}
	if !status.Confirmed || status.BlockHash == "" {
		return nil, stakingerr.WithReasonf(stakingerr.ErrInvalidInput,
			"transaction %s is not confirmed", txid)
	}

	blockHashReversed, err := reverseHexBytes32(status.BlockHash)
	if err != nil {
		return nil, stakingerr.WrapExternal("chainfeed", err)
	}

	merklePath, err := encodeMerklePath(proof.Merkle)
	if err != nil {
		return nil, err
	}

	log.Debugf("fetched inclusion proof for %s: height %d, pos %d",
		txid, proof.BlockHeight, proof.Pos)

	return &InclusionProof{
		Index:             proof.Pos,
		BlockHashReversed: blockHashReversed,
		MerklePath:        merklePath,
	}, nil
}

// encodeMerklePath serializes the merkle sibling path as
// concat(reverse_bytes(sibling_i)) with the deepest sibling first (spec
// §4.H). The REST API reports siblings leaf-to-root (deepest first
// already), each as big-endian display hex, so each sibling's raw bytes
// are reversed to little-endian wire order before concatenation.
func encodeMerklePath(siblings []string) ([]byte, error) {
	out := make([]byte, 0, len(siblings)*32)

	for i, s := range siblings {
		reversed, err := reverseHexBytes32(s)
		if err != nil {
			return nil, fmt.Errorf("merkle sibling %d: %w", i, err)
		}
		out = append(out, reversed[:]...)
	}

	return out, nil
}

// reverseHexBytes32 decodes a 32-byte big-endian display-form hex string
// (as returned by block-explorer JSON APIs for hashes) and reverses it to
// little-endian wire order.
func reverseHexBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte

	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}

	for i := 0; i < 32; i++ {
		out[i] = raw[31-i]
	}

	return out, nil
}
