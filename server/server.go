// Package server exposes the node's HTTP surface. Transaction envelopes are
// posted to /tx/{op}, broadcast through consensus, and answered with the
// committed response plus block metadata.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/rpc/client"
	cmthttp "github.com/cometbft/cometbft/rpc/client/http"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/google/uuid"

	"custodia/app"
	service_registry "custodia/srvreg"
)

// WebServer handles HTTP requests
type WebServer struct {
	app                *app.Application
	httpAddr           string
	server             *http.Server
	logger             cmtlog.Logger
	node               *nm.Node
	startTime          time.Time
	serviceRegistry    *service_registry.ServiceRegistry
	cometBftHttpClient client.Client
	cometBftRpcClient  *cmtrpc.Local
}

// TransactionStatus represents the consensus status of a transaction
type TransactionStatus struct {
	TxID         string         `json:"tx_id"`
	RequestID    string         `json:"request_id"`
	Status       string         `json:"status"`
	BlockHeight  int64          `json:"block_height"`
	BlockHash    string         `json:"block_hash,omitempty"`
	ConfirmTime  time.Time      `json:"confirm_time"`
	ResponseInfo ResponseInfo   `json:"response_info"`
	BlockTxs     BlockTxsDetail `json:"block_txs"`
}

// BlockTxsDetail contains the transactions within a block
type BlockTxsDetail struct {
	BlockTransactions    []service_registry.Request `json:"block_transactions"`
	BlockTransactionsB64 []string                   `json:"block_transactions_b64"`
}

// ResponseInfo contains information about the response
type ResponseInfo struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	BodyLength  int    `json:"body_length"`
}

// ClientResponse is the response format sent to clients
type ClientResponse struct {
	StatusCode int               `json:"-"` // Not included in JSON
	Headers    map[string]string `json:"-"` // Not included in JSON
	Body       interface{}       `json:"body"`
	Meta       TransactionStatus `json:"meta"`
	NodeID     string            `json:"node_id"`
}

// NewWebServer creates a new web server
func NewWebServer(app *app.Application, httpPort string, logger cmtlog.Logger, node *nm.Node, serviceRegistry *service_registry.ServiceRegistry) (*WebServer, error) {
	mux := http.NewServeMux()

	rpcAddr := fmt.Sprintf("http://localhost:%s", extractPortFromAddress(node.Config().RPC.ListenAddress))
	logger.Info("Connecting to CometBFT RPC", "address", rpcAddr)

	// Create HTTP client without WebSocket
	cometBftHttpClient, err := cmthttp.NewWithClient(
		rpcAddr,
		&http.Client{
			Timeout: 10 * time.Second,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CometBFT client: %w", err)
	}
	err = cometBftHttpClient.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to start CometBFT client: %w", err)
	}

	server := &WebServer{
		app:      app,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		logger:             logger,
		node:               node,
		startTime:          time.Now(),
		serviceRegistry:    serviceRegistry,
		cometBftHttpClient: cometBftHttpClient,
		cometBftRpcClient:  cmtrpc.New(node),
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/status/", server.handleTransactionStatus)
	// Transaction Endpoint
	mux.HandleFunc("/tx/", server.handleTransactionAPI)

	return server, nil
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")

	w.Write([]byte("<h1>Custodia Ledger Node</h1>"))
	w.Write([]byte("<p>Node ID: " + string(ws.node.NodeInfo().ID()) + "</p>"))
	rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
	rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
	w.Write([]byte(rpcAddrHtml))
}

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeStatus := "online"
	if ws.node.ConsensusReactor().WaitSync() {
		nodeStatus = "syncing"
	}
	if !ws.node.IsListening() {
		nodeStatus = "offline"
	}

	debugInfo := map[string]interface{}{
		"node_id":     string(ws.node.NodeInfo().ID()),
		"node_status": nodeStatus,
		"p2p_address": ws.node.Config().P2P.ListenAddress,
		"rpc_address": ws.node.Config().RPC.ListenAddress,
		"uptime":      time.Since(ws.startTime).String(),
	}

	status, err := ws.cometBftRpcClient.Status(context.Background())
	outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
	debugInfo["num_peers_out"] = outboundPeers
	debugInfo["num_peers_in"] = inboundPeers
	debugInfo["num_peers_dialing"] = dialingPeers
	if err != nil {
		debugInfo["consensus_error"] = err.Error()
	} else {
		debugInfo["node_status"] = "online"
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	abciInfo, err := ws.cometBftRpcClient.ABCIInfo(context.Background())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["abci_version"] = abciInfo.Response.Version
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(debugInfo); err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleTransactionStatus returns the status of a transaction
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" {
		JSONError(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txID := pathParts[2]

	status, err := ws.checkTransactionStatus(txID)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(status)
	if err != nil {
		JSONError(w, "Error encoding response: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// handleTransactionAPI accepts a transaction envelope, pushes it through
// consensus and answers with the committed response. The caller identity
// comes from the X-Caller header as a "kind#id" reference; the payload is the
// request body.
func (ws *WebServer) handleTransactionAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	op := strings.TrimPrefix(r.URL.Path, "/tx/")
	if op == "" {
		JSONError(w, "Missing operation name", http.StatusBadRequest)
		return
	}
	if !ws.serviceRegistry.KnownOp(op) {
		JSONError(w, "Unknown operation "+op, http.StatusNotFound)
		return
	}

	caller := r.Header.Get("X-Caller")
	if caller == "" {
		JSONError(w, "X-Caller header is required", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		JSONError(w, "Failed to read request body: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	request := &service_registry.Request{
		Op:        op,
		Caller:    caller,
		Payload:   payload,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	txBytes, err := json.Marshal(request)
	if err != nil {
		JSONError(w, "Failed to serialize envelope: "+err.Error(), http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	broadcast, err := ws.cometBftRpcClient.BroadcastTxCommit(ctx, cmttypes.Tx(txBytes))
	if err != nil {
		JSONError(w, "Consensus error occurred: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if broadcast.CheckTx.Code != 0 {
		JSONError(w, "Transaction rejected: "+broadcast.CheckTx.Log, http.StatusUnprocessableEntity)
		return
	}

	blockHeight := broadcast.Height
	txID := string(broadcast.TxResult.Data)

	// Fetch the committed transaction record to recover the executed response
	verifyQuery := append([]byte("verify:"), []byte(txID)...)
	queryRes, err := ws.cometBftRpcClient.ABCIQuery(ctx, "", verifyQuery)
	if err != nil {
		JSONError(w, "Failed to verify transaction: "+err.Error(), http.StatusInternalServerError)
		return
	}

	var transaction service_registry.Transaction
	if err := json.Unmarshal(queryRes.Response.Value, &transaction); err != nil {
		JSONError(w, "Failed to parse committed transaction: "+err.Error(), http.StatusInternalServerError)
		return
	}
	response := transaction.Response

	block, err := ws.cometBftRpcClient.Block(ctx, &blockHeight)
	if err != nil {
		JSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if block.Block == nil {
		ws.logger.Info("Web Server", "Block not found")
	}

	var blockTransactions []service_registry.Request
	var blockTransactionsB64 []string
	if block.Block != nil {
		blockTransactions, blockTransactionsB64 = decodeBlockTxs(block.Block.Txs)
	}

	var parsedBody interface{}
	if err := json.Unmarshal([]byte(response.Body), &parsedBody); err != nil {
		parsedBody = response.Body
	}

	apiResponse := ClientResponse{
		StatusCode: response.StatusCode,
		Headers:    response.Headers,
		Body:       parsedBody,
		Meta: TransactionStatus{
			TxID:        txID,
			RequestID:   request.RequestID,
			Status:      queryRes.Response.Log,
			BlockHeight: blockHeight,
			BlockHash:   fmt.Sprintf("%X", broadcast.Hash),
			ConfirmTime: time.Now(),
			ResponseInfo: ResponseInfo{
				StatusCode:  response.StatusCode,
				ContentType: response.Headers["Content-Type"],
				BodyLength:  len(response.Body),
			},
			BlockTxs: BlockTxsDetail{
				BlockTransactions:    blockTransactions,
				BlockTransactionsB64: blockTransactionsB64,
			},
		},
		NodeID: string(ws.node.NodeInfo().ID()),
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.StatusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(apiResponse)
	if err != nil {
		ws.logger.Error("Failed to encode client response", "err", err)
	}

	ws.logger.Info("=== Tx Result ===",
		request.Op,
		request.Caller,
		response.StatusCode,
	)
}

// checkTransactionStatus checks the status of a transaction in the ledger
func (ws *WebServer) checkTransactionStatus(txID string) (*TransactionStatus, error) {
	verifyQuery := append([]byte("verify:"), []byte(txID)...)
	queryRes, err := ws.cometBftRpcClient.ABCIQuery(context.Background(), "", verifyQuery)
	if err != nil {
		return nil, fmt.Errorf("error querying transaction: %w", err)
	}
	if queryRes.Response.Code != 0 || len(queryRes.Response.Value) == 0 {
		return nil, nil // Transaction not found
	}

	var completeTx service_registry.Transaction
	err = json.Unmarshal(queryRes.Response.Value, &completeTx)
	if err != nil {
		return nil, fmt.Errorf("error parsing transaction: %w", err)
	}

	responseInfo := ResponseInfo{
		StatusCode:  completeTx.Response.StatusCode,
		ContentType: completeTx.Response.Headers["Content-Type"],
		BodyLength:  len(completeTx.Response.Body),
	}

	blockHeight := completeTx.BlockHeight
	var blockTransactions []service_registry.Request
	var blockTransactionsB64 []string
	if blockHeight > 0 {
		block, err := ws.cometBftRpcClient.Block(context.Background(), &blockHeight)
		if err != nil {
			return nil, fmt.Errorf("error getting block: %w", err)
		}
		if block.Block != nil {
			blockTransactions, blockTransactionsB64 = decodeBlockTxs(block.Block.Txs)
		}
	}

	txStatus := &TransactionStatus{
		TxID:         txID,
		RequestID:    completeTx.Request.RequestID,
		Status:       queryRes.Response.Log,
		BlockHeight:  blockHeight,
		ConfirmTime:  time.Now(),
		ResponseInfo: responseInfo,
		BlockTxs: BlockTxsDetail{
			BlockTransactions:    blockTransactions,
			BlockTransactionsB64: blockTransactionsB64,
		},
	}

	return txStatus, nil
}

// decodeBlockTxs parses the raw block transactions into their request
// envelopes, alongside the base64 form of every transaction. Entries that do
// not decode keep only their base64 form.
func decodeBlockTxs(txs cmttypes.Txs) ([]service_registry.Request, []string) {
	var envelopes []service_registry.Request
	var encoded []string
	for _, tx := range txs {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(tx))

		var envelope service_registry.Request
		if err := json.Unmarshal(tx, &envelope); err != nil {
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, encoded
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	w.Write(jsonBytes)
}
