package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"kusd/core"
	"kusd/crypto"
	"kusd/native/allocator"
)

var signRebalanceCmd = &cobra.Command{
	Use:   "sign-rebalance",
	Short: "Sign an allocator weight vector for the AI rebalance ingress",
	Long: `Sign (rwa, lst, defi, options, deadline, nonce) for the allocator at
--allocator on chain --chain-id. The JSON body for POST /v1/rebalance/ai is
printed, or submitted when --submit names a gateway URL.`,
	RunE: runSignRebalance,
}

func init() {
	rootCmd.AddCommand(signRebalanceCmd)

	f := signRebalanceCmd.Flags()
	f.String("keystore", "", "Signer keystore file")
	f.Uint64("rwa", 0, "RWA weight in basis points")
	f.Uint64("lst", 0, "LST weight in basis points")
	f.Uint64("defi", 0, "DeFi weight in basis points")
	f.Uint64("options", 0, "Options weight in basis points")
	f.Duration("ttl", 10*time.Minute, "Signature validity measured from now")
	f.Uint64("deadline", 0, "Absolute unix deadline (overrides --ttl)")
	f.String("nonce", "", "Command nonce (decimal, defaults to the current unix time in nanoseconds)")
	f.Uint64("chain-id", 0, "Chain id from the genesis file")
	f.String("allocator", core.AllocatorAddress.String(), "Allocator principal (bech32 or hex)")
	f.String("submit", "", "Gateway base URL to POST the command to")
	_ = signRebalanceCmd.MarkFlagRequired("keystore")
	_ = signRebalanceCmd.MarkFlagRequired("chain-id")
}

type rebalanceBody struct {
	RWAWeight     uint64 `json:"rwaWeight"`
	LSTWeight     uint64 `json:"lstWeight"`
	DeFiWeight    uint64 `json:"defiWeight"`
	OptionsWeight uint64 `json:"optionsWeight"`
	Deadline      uint64 `json:"deadline"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

func runSignRebalance(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	rwa, _ := f.GetUint64("rwa")
	lst, _ := f.GetUint64("lst")
	defi, _ := f.GetUint64("defi")
	opts, _ := f.GetUint64("options")
	ttl, _ := f.GetDuration("ttl")
	deadline, _ := f.GetUint64("deadline")
	rawNonce, _ := f.GetString("nonce")
	chainID, _ := f.GetUint64("chain-id")
	rawAllocator, _ := f.GetString("allocator")
	submit, _ := f.GetString("submit")

	if err := (allocator.Weights{RWA: rwa, LST: lst, DeFi: defi, Options: opts}).Validate(); err != nil {
		return err
	}
	now := time.Now()
	if deadline == 0 {
		deadline = uint64(now.Add(ttl).Unix())
	}
	nonce := big.NewInt(now.UnixNano())
	if strings.TrimSpace(rawNonce) != "" {
		var ok bool
		nonce, ok = new(big.Int).SetString(strings.TrimSpace(rawNonce), 10)
		if !ok || nonce.Sign() < 0 {
			return fmt.Errorf("invalid nonce %q", rawNonce)
		}
	}
	allocatorAddr, err := crypto.ParseAddress(rawAllocator)
	if err != nil {
		return fmt.Errorf("invalid allocator address: %w", err)
	}
	key, err := loadKey(cmd)
	if err != nil {
		return err
	}
	params := allocator.RebalanceParams{
		RWAWeight: rwa, LSTWeight: lst, DeFiWeight: defi, OptionsWeight: opts,
		Deadline: deadline,
		Nonce:    nonce,
	}
	body, err := buildRebalanceBody(key, params, allocatorAddr, new(big.Int).SetUint64(chainID))
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	if strings.TrimSpace(submit) == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	}
	return submitRebalance(cmd, strings.TrimRight(submit, "/")+"/v1/rebalance/ai", payload)
}

func buildRebalanceBody(key *crypto.PrivateKey, p allocator.RebalanceParams, allocatorAddr crypto.Address, chainID *big.Int) (rebalanceBody, error) {
	sig, err := allocator.SignRebalance(key, p, allocatorAddr, chainID)
	if err != nil {
		return rebalanceBody{}, fmt.Errorf("sign rebalance: %w", err)
	}
	return rebalanceBody{
		RWAWeight:     p.RWAWeight,
		LSTWeight:     p.LSTWeight,
		DeFiWeight:    p.DeFiWeight,
		OptionsWeight: p.OptionsWeight,
		Deadline:      p.Deadline,
		Nonce:         p.Nonce.String(),
		Signature:     hexutil.Encode(sig),
	}, nil
}

func submitRebalance(cmd *cobra.Command, url string, payload []byte) error {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected rebalance: %s: %s", resp.Status, strings.TrimSpace(string(out)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
	return nil
}
