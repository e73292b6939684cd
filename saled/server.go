package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/cloudx-io/openiico/saleapi"
)

const requestTimeout = 30 * time.Second

// SaleServer accepts one JSON request per connection and answers it with one JSON
// response. All sale operations are forwarded to the Sequencer.
type SaleServer struct {
	seq        *Sequencer
	maxWorkers int

	// attester returns the NSM attester; replaced in tests.
	attester func() (EnclaveAttester, error)
}

func NewSaleServer(seq *Sequencer, maxWorkers int) *SaleServer {
	return &SaleServer{
		seq:        seq,
		maxWorkers: maxWorkers,
		attester:   getEnclaveAttester,
	}
}

// listen opens a vsock listener on port, or a TCP listener when tcpAddr is set.
func listen(port uint32, tcpAddr string) (net.Listener, error) {
	if tcpAddr != "" {
		l, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create TCP listener: %w", err)
		}
		log.Printf("INFO: Sale server listening on tcp %s", l.Addr())
		return l, nil
	}
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create vsock listener: %w", err)
	}
	log.Printf("INFO: Sale server listening on vsock port %d", port)
	return l, nil
}

// Serve accepts connections until the listener is closed.
func (s *SaleServer) Serve(listener net.Listener) error {
	semaphore := make(chan struct{}, s.maxWorkers)
	log.Printf("INFO: Worker pool initialized with %d max concurrent workers", s.maxWorkers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Printf("ERROR: Failed to accept connection: %v", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }() // Release worker slot
				s.handleConnection(c)
			}(conn)
		default:
			log.Printf("INFO: No workers available, rejecting connection (pool full)")
			rejectedConnections.Inc()
			if err := conn.Close(); err != nil {
				log.Printf("ERROR: Failed to close rejected connection: %v", err)
			}
		}
	}
}

func (s *SaleServer) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: Panic recovered in handleConnection: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Printf("ERROR: Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	var raw json.RawMessage
	if err := json.NewDecoder(conn).Decode(&raw); err != nil {
		log.Printf("ERROR: Failed to read request: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	response := s.handleRequest(ctx, raw)

	if err := json.NewEncoder(conn).Encode(response); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

// handleRequest dispatches on the request's type field. Failures come back as
// saleapi.ErrorResponse values.
func (s *SaleServer) handleRequest(ctx context.Context, raw []byte) any {
	var baseReq struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &baseReq); err != nil {
		log.Printf("ERROR: Failed to decode base request: %v", err)
		return errorResponse(fmt.Errorf("failed to decode request: %w", err))
	}

	log.Printf("INFO: Received request type: %s", baseReq.Type)

	var (
		response any
		err      error
	)
	start := time.Now()
	metricType := baseReq.Type
	defer func() { observeRequest(metricType, start, err) }()

	switch baseReq.Type {
	case saleapi.TypePing:
		response = map[string]any{
			"type":      "pong",
			"message":   "sale server is healthy",
			"sale_id":   s.seq.SaleID(),
			"timestamp": time.Now().Unix(),
		}

	case saleapi.TypeSubmitBid:
		var req saleapi.SubmitBidRequest
		if err = decode(raw, &req); err == nil {
			response, err = s.seq.SubmitBid(ctx, req)
		}

	case saleapi.TypeWithdraw:
		var req saleapi.WithdrawBidRequest
		if err = decode(raw, &req); err == nil {
			response, err = s.seq.WithdrawBid(ctx, req)
		}

	case saleapi.TypeFinalize:
		var req saleapi.FinalizeRequest
		if err = decode(raw, &req); err == nil {
			response, err = s.seq.Finalize(ctx, req)
		}

	case saleapi.TypeRedeem:
		var req saleapi.BidRequest
		if err = decode(raw, &req); err == nil {
			response, err = s.seq.Redeem(ctx, req)
		}

	case saleapi.TypeGetBid:
		var req saleapi.BidRequest
		if err = decode(raw, &req); err == nil {
			response, err = s.seq.GetBid(ctx, req)
		}

	case saleapi.TypeListBids:
		response, err = s.seq.ListBids(ctx)

	case saleapi.TypeTotals:
		response, err = s.seq.Totals(ctx)

	case saleapi.TypeSettlement:
		response, err = s.settlement(ctx)

	default:
		metricType = "unknown"
		err = fmt.Errorf("unknown request type: %s", baseReq.Type)
	}

	if err != nil {
		log.Printf("ERROR: %s failed: %v", baseReq.Type, err)
		return errorResponse(err)
	}
	return response
}

func (s *SaleServer) settlement(ctx context.Context) (saleapi.SettlementResponse, error) {
	settlement, err := s.seq.Settlement(ctx)
	if err != nil {
		return saleapi.SettlementResponse{}, err
	}
	attester, err := s.attester()
	if err != nil {
		return saleapi.SettlementResponse{}, fmt.Errorf("failed to initialize TEE attester: %w", err)
	}
	cose, _, err := GenerateSettlementAttestation(attester, settlement)
	if err != nil {
		return saleapi.SettlementResponse{}, err
	}

	resp := saleapi.SettlementResponse{
		Type:            saleapi.TypeSettlement,
		SaleID:          settlement.SaleID,
		Cutoff:          saleapi.NewCutoffView(settlement.Cutoff),
		Totals:          saleapi.NewTotalsView(settlement.Totals),
		Effects:         make([]saleapi.EffectView, 0, len(settlement.Effects)),
		AttestationCOSE: cose.EncodeBase64(),
	}
	for _, e := range settlement.Effects {
		resp.Effects = append(resp.Effects, saleapi.NewEffectView(e))
	}
	return resp, nil
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return nil
}

func errorResponse(err error) saleapi.ErrorResponse {
	return saleapi.NewErrorResponse(err)
}
