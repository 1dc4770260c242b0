package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborlane/bunkerseal/internal/approval"
	"github.com/harborlane/bunkerseal/internal/config"
	"github.com/harborlane/bunkerseal/internal/ledger"
	"github.com/harborlane/bunkerseal/internal/lifecycle"
	"github.com/harborlane/bunkerseal/internal/metrics"
	"github.com/harborlane/bunkerseal/internal/render"
	"github.com/harborlane/bunkerseal/internal/sealer"
	"github.com/harborlane/bunkerseal/internal/signing"
	"github.com/harborlane/bunkerseal/internal/store"
	"github.com/harborlane/bunkerseal/pkg/db"
	"github.com/harborlane/bunkerseal/pkg/deliverykey"
	"github.com/harborlane/bunkerseal/pkg/httpx"
	"github.com/harborlane/bunkerseal/pkg/quantumseal"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetPrefix("[bunkerseal] ")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	gw, err := ledger.Dial(ctx, cfg.RPCURL, cfg.ContractAddress, cfg.AdminPrivateKey)
	if err != nil {
		log.Fatalf("connect ledger: %v", err)
	}
	defer gw.Close()
	registerCounterparties(ctx, cfg, gw)

	vault, err := quantumseal.Open(cfg.MasterKeyPath)
	if err != nil {
		log.Fatalf("open quantum vault: %v", err)
	}
	if vault.Provisioned() {
		log.Printf("provisioned new %s master key at %s", quantumseal.Algorithm, vault.Path())
	} else {
		log.Printf("loaded %s master key from %s", quantumseal.Algorithm, vault.Path())
	}

	signer, err := signing.New(cfg.BargePrivateKey, cfg.ChiefPrivateKey)
	if err != nil {
		log.Fatalf("load signing keys: %v", err)
	}
	bargeKey, err := signing.ParseKey(cfg.BargePrivateKey)
	if err != nil {
		log.Fatalf("parse barge key: %v", err)
	}

	gate := approval.New(cfg.TelegramToken, cfg.ChiefChatID, cfg.ApprovalWindow, cfg.ApprovalPoll)
	mgr := lifecycle.NewManager(st, gw, gate, signer, bargeKey)

	metrics.Register()

	worker := sealer.New(st, gw, vault, render.Receipt, cfg.SealPollInterval)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/nominate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeliveryID      string  `json:"delivery_id"`
			VesselID        string  `json:"vessel_id"`
			SupplierID      int64   `json:"supplier_id"`
			ExpectedSulphur float64 `json:"expected_sulphur"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		if req.DeliveryID == "" || req.VesselID == "" {
			httpx.WriteError(w, 400, "BAD_REQUEST", "delivery_id and vessel_id are required")
			return
		}
		res, err := mgr.Nominate(r.Context(), req.DeliveryID, req.VesselID, req.SupplierID, req.ExpectedSulphur)
		switch {
		case errors.Is(err, lifecycle.ErrDuplicateDelivery):
			httpx.WriteError(w, 409, "DUPLICATE_DELIVERY", err.Error())
		case errors.Is(err, lifecycle.ErrLedgerSubmission):
			httpx.WriteError(w, 502, "LEDGER_SUBMISSION_ERROR", err.Error())
		case err != nil:
			httpx.WriteError(w, 500, "INTERNAL", err.Error())
		default:
			httpx.WriteJSON(w, 201, map[string]any{
				"request_id":   httpx.NewRequestID(),
				"status":       store.StatusNominated,
				"delivery_id":  req.DeliveryID,
				"delivery_key": res.DeliveryKey,
				"tx_ref":       res.TxRef,
			})
		}
	})

	r.Post("/finalize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeliveryID     string  `json:"delivery_id"`
			ActualQuantity float64 `json:"actual_quantity"`
			Density        float64 `json:"density"`
			SampleSealID   string  `json:"sample_seal_id"`
		}
		if err := httpx.ReadJSON(r, &req); err != nil {
			httpx.WriteError(w, 400, "BAD_JSON", err.Error())
			return
		}
		txRef, err := mgr.Finalize(r.Context(), req.DeliveryID, req.ActualQuantity, req.Density, req.SampleSealID)
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			httpx.WriteError(w, 404, "NOT_FOUND", err.Error())
		case errors.Is(err, lifecycle.ErrConflict):
			httpx.WriteError(w, 409, "CONFLICT", err.Error())
		case errors.Is(err, lifecycle.ErrApprovalTimeout):
			httpx.WriteError(w, 504, "APPROVAL_TIMEOUT", err.Error())
		case errors.Is(err, lifecycle.ErrLedgerSubmission):
			httpx.WriteError(w, 502, "LEDGER_SUBMISSION_ERROR", err.Error())
		case err != nil:
			httpx.WriteError(w, 500, "INTERNAL", err.Error())
		default:
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"status":     store.StatusFinalized,
				"tx_ref":     txRef,
			})
		}
	})

	r.Get("/records/{delivery_id}", func(w http.ResponseWriter, r *http.Request) {
		key := deliverykey.Derive(chi.URLParam(r, "delivery_id"))
		rec, err := st.Get(r.Context(), key.Hex())
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, 404, "NOT_FOUND", "no record for delivery id")
			return
		}
		if err != nil {
			httpx.WriteError(w, 500, "DB_ERROR", err.Error())
			return
		}
		httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "record": rec})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.ServicePort,
		Handler: r,
		// Finalize blocks on the approval window.
		WriteTimeout: cfg.ApprovalWindow + 30*time.Second,
		ReadTimeout:  10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("serving on :%s", cfg.ServicePort)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
	wg.Wait()
}

// registerCounterparties performs the boot-time ship/supplier registration
// when addresses are configured and the contract does not know them yet.
func registerCounterparties(ctx context.Context, cfg config.Config, gw *ledger.Gateway) {
	if cfg.ChiefAddress != "" {
		ok, err := gw.IsShipRegistered(ctx, cfg.ShipIMO)
		switch {
		case err != nil:
			log.Printf("ship registration check failed: %v", err)
		case !ok:
			if _, err := gw.RegisterShip(ctx, cfg.ShipIMO, cfg.ChiefAddress); err != nil {
				log.Printf("register ship %s: %v", cfg.ShipIMO, err)
			} else {
				log.Printf("registered ship %s", cfg.ShipIMO)
			}
		}
	}
	if cfg.BargeAddress != "" {
		ok, err := gw.IsSupplierRegistered(ctx, cfg.SupplierID)
		switch {
		case err != nil:
			log.Printf("supplier registration check failed: %v", err)
		case !ok:
			if _, err := gw.RegisterSupplier(ctx, cfg.SupplierID, cfg.BargeAddress); err != nil {
				log.Printf("register supplier %d: %v", cfg.SupplierID, err)
			} else {
				log.Printf("registered supplier %d", cfg.SupplierID)
			}
		}
	}
}
