// Command fleetmond runs the blob-storage fleet monitor core: it polls
// storage nodes on a fixed interval, derives fleet status, and exposes a
// read-only query surface and prometheus metrics. Process bootstrap only;
// the pipeline itself lives in internal/.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/blobfleet/fleetmon/internal/clock"
	"github.com/blobfleet/fleetmon/internal/config"
	"github.com/blobfleet/fleetmon/internal/dcresolver"
	"github.com/blobfleet/fleetmon/internal/dcresolver/recordstore"
	"github.com/blobfleet/fleetmon/internal/groupmeta"
	"github.com/blobfleet/fleetmon/internal/logger"
	"github.com/blobfleet/fleetmon/internal/metrics"
	"github.com/blobfleet/fleetmon/internal/query"
	"github.com/blobfleet/fleetmon/internal/scheduler"
	"github.com/blobfleet/fleetmon/internal/topology"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fleetmond: fatal startup error:", err) // spec section 7 kind 6: unparsable config terminates the process
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, logger.Format(cfg.LogFormat))
	log := logger.For(logger.ComponentCore)
	defer func() { _ = logger.Sync() }()

	nodes, err := parseNodeKeys(cfg.Nodes)
	if err != nil {
		log.Fatalw("fatal startup error parsing configured nodes", "error", err)
	}

	store := topology.NewStore(groupmeta.NewDecoder())

	recStore, err := recordstore.Open(cfg.Metadata.RecordStorePath)
	if err != nil {
		log.Fatalw("fatal startup error opening dc record store", "error", err)
	}
	defer recStore.Close()

	httpClient := &http.Client{Timeout: cfg.NodePollTimeout}

	resolver := dcresolver.New(recStore, &httpExternalLookup{client: httpClient, appName: cfg.AppName}, cfg, clock.Real{})

	sched := scheduler.New(store, &httpPoller{client: httpClient}, cfg, clock.Real{})
	sched.SetNodes(nodes)
	sched.SetMetadataPoller(&httpMetadataPoller{client: httpClient, store: store})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatalw("fatal startup error starting scheduler", "error", err)
	}
	if err := resolver.Start(ctx); err != nil {
		log.Fatalw("fatal startup error starting dc resolver", "error", err)
	}

	surface := query.New(store)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics server stopped", "error", err)
		}
	}()

	cmdListener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalw("fatal startup error binding command listener", "error", err)
	}
	go serveCommandSurface(ctx, log, cmdListener, surface)

	log.Infow("fleetmond running", "listen_addr", cfg.ListenAddr, "metrics_addr", cfg.MetricsAddr, "nodes", len(nodes))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infow("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = cmdListener.Close()
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warnw("scheduler stop error", "error", err)
	}
	if err := resolver.Stop(shutdownCtx); err != nil {
		log.Warnw("dc resolver stop error", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()

	log.Info("shutdown complete")
}

func parseNodeKeys(raw []string) ([]topology.NodeKey, error) {
	out := make([]topology.NodeKey, 0, len(raw))
	for _, s := range raw {
		key, err := query.ParseNodeKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// httpPoller fetches a storage node's telemetry payload over plain HTTP,
// the module's concrete default for the RPC transport spec section 1
// assumes but leaves unspecified.
type httpPoller struct {
	client *http.Client
}

func (p *httpPoller) Poll(ctx context.Context, node topology.NodeKey) ([]byte, error) {
	addr := fmt.Sprintf("http://%s:%d/solo/monitor_stat", node.Host, node.Port)
	return httpGet(ctx, p.client, addr)
}

// httpMetadataPoller fetches a group's raw metadata blob from one of its
// member backends' node, the same concrete default pattern as httpPoller.
type httpMetadataPoller struct {
	client *http.Client
	store  *topology.Store
}

func (p *httpMetadataPoller) PollMetadata(ctx context.Context, groupID int) ([]byte, error) {
	group, ok := p.store.Group(groupID)
	if !ok {
		return nil, fmt.Errorf("group %d is not yet known to the topology store", groupID)
	}
	backends := group.Backends()
	if len(backends) == 0 {
		return nil, fmt.Errorf("group %d has no backends to query metadata from", groupID)
	}
	node := backends[0].Node().Key
	addr := fmt.Sprintf("http://%s:%d/groups/%d/metadata", node.Host, node.Port, groupID)
	return httpGet(ctx, p.client, addr)
}

// httpExternalLookup resolves a hostname's datacenter via the
// "<app_name>-inventory" service named in spec section 6.4.
type httpExternalLookup struct {
	client  *http.Client
	appName string
}

func (l *httpExternalLookup) Lookup(ctx context.Context, host string) (string, error) {
	addr := fmt.Sprintf("http://%s-inventory/dc?host=%s", l.appName, url.QueryEscape(host))
	body, err := httpGet(ctx, l.client, addr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func httpGet(ctx context.Context, client *http.Client, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %s", addr, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// serveCommandSurface implements spec section 6.3's text command surface:
// one command and its argument per connection, a single response chunk,
// then close. Invalid input yields a human error line rather than a
// protocol-level failure.
func serveCommandSurface(ctx context.Context, log *zap.SugaredLogger, ln net.Listener, surface *query.Surface) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnw("command listener accept failed", "error", err)
				return
			}
		}
		go handleCommandConn(log, conn, surface)
	}
}

func handleCommandConn(log *zap.SugaredLogger, conn net.Conn, surface *query.Surface) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	response := dispatchCommand(surface, line)
	if _, err := io.WriteString(conn, response+"\n"); err != nil {
		log.Debugw("command response write failed", "error", err)
	}
}

func dispatchCommand(surface *query.Surface, line string) string {
	cmd, arg := splitCommand(line)

	var (
		result string
		err    error
	)
	switch cmd {
	case "summary":
		b, marshalErr := json.Marshal(surface.Summary())
		result, err = string(b), marshalErr
	case "group-info":
		result, err = surface.GroupInfo(arg)
	case "list-nodes":
		result = strings.Join(surface.ListNodes(), "\n")
	case "node-info":
		result, err = surface.NodeInfo(arg)
	case "node-list-backends":
		var backends []string
		backends, err = surface.NodeListBackends(arg)
		result = strings.Join(backends, "\n")
	case "backend-info":
		result, err = surface.BackendInfo(arg)
	case "fs-info":
		result, err = surface.FSInfo(arg)
	case "fs-list-backends":
		var backends []string
		backends, err = surface.FSListBackends(arg)
		result = strings.Join(backends, "\n")
	default:
		return fmt.Sprintf("unknown command %q", cmd)
	}
	if err != nil {
		return err.Error()
	}
	return result
}

func splitCommand(line string) (cmd, arg string) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 2)
	cmd = parts[0]
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
