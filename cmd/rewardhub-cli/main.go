package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"rewardhub/cmd/internal/passphrase"
	"rewardhub/crypto"
	"rewardhub/native/voucher"
)

const keyPassEnv = "REWARDHUB_KEY_PASS"

var rpcEndpoint = defaultRPCEndpoint() // Defaults to localhost, can be overridden via RPC_URL or --rpc flag
var rpcAuthToken = os.Getenv("REWARDHUB_RPC_TOKEN")
var keyPassSource = passphrase.NewSource(keyPassEnv)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "generate-key":
		generateKey()
	case "create-snapshot":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a period id and an entrants JSON file.")
			printUsage()
			return
		}
		periodID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid period id.")
			return
		}
		createSnapshot(periodID, args[2])
	case "snapshot":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a period id.")
			printUsage()
			return
		}
		periodID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid period id.")
			return
		}
		getSnapshot(periodID)
	case "snapshots":
		page := uint64(1)
		if len(args) >= 2 {
			parsed, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				fmt.Println("Error: Invalid page number.")
				return
			}
			page = parsed
		}
		listSnapshots(page)
	case "entitlement":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a period id and an account address.")
			printUsage()
			return
		}
		periodID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid period id.")
			return
		}
		getEntitlement(periodID, args[2])
	case "claim":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a period id and an account address.")
			printUsage()
			return
		}
		periodID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid period id.")
			return
		}
		claimEntitlement(periodID, args[2])
	case "stats":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a period id.")
			printUsage()
			return
		}
		periodID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid period id.")
			return
		}
		periodStats(periodID)
	case "sign-voucher":
		if len(args) < 5 {
			fmt.Println("Error: Please provide an account, category, task id and key file.")
			printUsage()
			return
		}
		signVoucher(args[1], args[2], args[3], args[4], false)
	case "claim-voucher":
		if len(args) < 5 {
			fmt.Println("Error: Please provide an account, category, task id and key file.")
			printUsage()
			return
		}
		signVoucher(args[1], args[2], args[3], args[4], true)
	case "categories":
		listCategories()
	case "voucher-ledger":
		if len(args) < 2 {
			fmt.Println("Error: Please provide an account address.")
			printUsage()
			return
		}
		voucherLedger(args[1])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8645"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

// generateKey writes a new issuer key as an encrypted keystore file. There
// is no plaintext fallback; a missing passphrase aborts the command.
func generateKey() {
	pass, err := keyPassSource.Get()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	fileName := "issuer.key"
	if err := crypto.SaveToKeystore(fileName, key, pass); err != nil {
		panic(fmt.Sprintf("Failed to save keystore to %s: %v", fileName, err))
	}

	fmt.Printf("Generated new issuer key and saved to %s\n", fileName)
	fmt.Printf("Issuer address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Add this address to IssuerKeys in the daemon config to authorize its vouchers.")
}

func createSnapshot(periodID uint64, entrantsFile string) {
	data, err := os.ReadFile(entrantsFile)
	if err != nil {
		fmt.Printf("Error reading entrants file: %v\n", err)
		return
	}
	var payload struct {
		PeriodStart int64 `json:"periodStart"`
		PeriodEnd   int64 `json:"periodEnd"`
		Entrants    []struct {
			Account string `json:"account"`
			Amount  string `json:"amount"`
		} `json:"entrants"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		fmt.Printf("Error parsing entrants file: %v\n", err)
		return
	}
	result, err := callRPC("rewards_createSnapshot", map[string]interface{}{
		"periodId":    periodID,
		"periodStart": payload.PeriodStart,
		"periodEnd":   payload.PeriodEnd,
		"entrants":    payload.Entrants,
	}, true)
	if err != nil {
		fmt.Printf("Error creating snapshot: %v\n", err)
		return
	}
	printJSON(result)
}

func getSnapshot(periodID uint64) {
	result, err := callRPC("rewards_getSnapshot", map[string]interface{}{
		"periodId":      periodID,
		"includeLeaves": true,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching snapshot: %v\n", err)
		return
	}
	printJSON(result)
}

func listSnapshots(page uint64) {
	result, err := callRPC("rewards_listSnapshots", map[string]interface{}{
		"page": page,
	}, false)
	if err != nil {
		fmt.Printf("Error listing snapshots: %v\n", err)
		return
	}
	printJSON(result)
}

func getEntitlement(periodID uint64, account string) {
	result, err := callRPC("rewards_getEntitlement", map[string]interface{}{
		"periodId": periodID,
		"account":  account,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching entitlement: %v\n", err)
		return
	}
	printJSON(result)
}

// claimEntitlement looks up the caller's committed leaf and submits the claim
// in one step so operators do not have to shuttle proofs by hand.
func claimEntitlement(periodID uint64, account string) {
	raw, err := callRPC("rewards_getEntitlement", map[string]interface{}{
		"periodId": periodID,
		"account":  account,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching entitlement: %v\n", err)
		return
	}
	var leaf struct {
		Amount    string   `json:"amount"`
		LeafIndex uint32   `json:"leafIndex"`
		Proof     []string `json:"proof"`
	}
	if err := json.Unmarshal(raw, &leaf); err != nil {
		fmt.Printf("Error decoding entitlement: %v\n", err)
		return
	}
	result, err := callRPC("rewards_claim", map[string]interface{}{
		"periodId":  periodID,
		"leafIndex": leaf.LeafIndex,
		"account":   account,
		"amount":    leaf.Amount,
		"proof":     leaf.Proof,
	}, false)
	if err != nil {
		fmt.Printf("Error claiming entitlement: %v\n", err)
		return
	}
	printJSON(result)
}

func periodStats(periodID uint64) {
	result, err := callRPC("rewards_periodStats", map[string]interface{}{
		"periodId": periodID,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching period stats: %v\n", err)
		return
	}
	printJSON(result)
}

func signVoucher(account, category, taskID, keyFile string, submit bool) {
	key, err := loadPrivateKey(keyFile)
	if err != nil {
		fmt.Printf("Error loading issuer key: %v\n", err)
		return
	}
	addr, err := crypto.DecodeAddress(account)
	if err != nil {
		fmt.Printf("Error decoding account address: %v\n", err)
		return
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		fmt.Printf("Error generating nonce: %v\n", err)
		return
	}
	signature, err := voucher.Sign(key, addr.Fixed(), voucher.Category(strings.ToLower(category)), taskID, nonce)
	if err != nil {
		fmt.Printf("Error signing voucher: %v\n", err)
		return
	}

	params := map[string]interface{}{
		"account":   account,
		"category":  strings.ToLower(category),
		"taskId":    taskID,
		"nonce":     hex.EncodeToString(nonce[:]),
		"signature": hex.EncodeToString(signature),
	}
	if !submit {
		encoded, _ := json.MarshalIndent(params, "", "  ")
		fmt.Println(string(encoded))
		return
	}
	result, err := callRPC("voucher_claim", params, false)
	if err != nil {
		fmt.Printf("Error claiming voucher: %v\n", err)
		return
	}
	printJSON(result)
}

func listCategories() {
	result, err := callRPC("voucher_listCategories", nil, false)
	if err != nil {
		fmt.Printf("Error listing categories: %v\n", err)
		return
	}
	printJSON(result)
}

func voucherLedger(account string) {
	result, err := callRPC("voucher_getLedger", map[string]interface{}{
		"account": account,
	}, false)
	if err != nil {
		fmt.Printf("Error fetching voucher ledger: %v\n", err)
		return
	}
	printJSON(result)
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore file %s not found. run ./rewardhub-cli generate-key first", path)
	}
	pass, err := keyPassSource.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore %s: %w", path, err)
	}
	return key, nil
}

func callRPC(method string, param interface{}, requireAuth bool) (json.RawMessage, error) {
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		payload["params"] = []interface{}{param}
	} else {
		payload["params"] = []interface{}{}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires REWARDHUB_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response from server")
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("error from server: %s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func printJSON(raw json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

func printUsage() {
	fmt.Println("Usage: rewardhub-cli [--rpc <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Snapshot creation requires REWARDHUB_RPC_TOKEN to match the daemon's operator token.")
	fmt.Println("Issuer keys are stored as encrypted keystore files; the passphrase comes from")
	fmt.Println("REWARDHUB_KEY_PASS or an interactive prompt. Keys are never written in plaintext.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                                   - Generates a new issuer key and saves to issuer.key")
	fmt.Println("  create-snapshot <period> <entrants.json>       - Commits a period snapshot (privileged)")
	fmt.Println("  snapshot <period>                              - Fetches a snapshot with its leaves")
	fmt.Println("  snapshots [page]                               - Lists snapshots, newest first")
	fmt.Println("  entitlement <period> <address>                 - Shows an account's committed leaf and proof")
	fmt.Println("  claim <period> <address>                       - Fetches the proof and redeems the entitlement")
	fmt.Println("  stats <period>                                 - Shows claim progress for a period")
	fmt.Println("  sign-voucher <address> <category> <task> <key> - Signs a voucher and prints the claim payload")
	fmt.Println("  claim-voucher <address> <category> <task> <key> - Signs a voucher and submits the claim")
	fmt.Println("  categories                                     - Lists the configured voucher categories")
	fmt.Println("  voucher-ledger <address>                       - Shows an account's voucher earnings")
}
