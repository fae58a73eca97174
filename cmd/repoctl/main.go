// Command repoctl is a small reference CLI for the reposync core: a demo
// mode that proves two in-process Repos converge over an in-memory
// transport, and a serve mode that runs one Repo against real filesystem
// storage and a websocket listener.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/dockhand-sync/reposync/adapter/filestorage"
	"github.com/dockhand-sync/reposync/adapter/memnet"
	"github.com/dockhand-sync/reposync/adapter/memstorage"
	"github.com/dockhand-sync/reposync/adapter/wsnet"
	"github.com/dockhand-sync/reposync/engine/automerge"
	"github.com/dockhand-sync/reposync/repo"
)

// statusResponse is the wire body for /status: the same introspection
// repoctl status prints is the JSON a monitoring tool would poll.
type statusResponse struct {
	Peers   []string `json:"peers"`
	Handles []string `json:"handles"`
}

const LocalVersion = "0.0.0-local"

const DefaultListenAddr = "localhost:9292"
const DefaultStorageDir = "./repoctl-data"

var (
	green = color.New(color.FgGreen)
	red   = color.New(color.FgRed, color.Bold)
)

func main() {
	usage := fmt.Sprintf(
		`Repo sync control.

Usage:
    repoctl demo
    repoctl serve [--addr=<addr>] [--storage=<storage>]
    repoctl status --addr=<addr>

Options:
    -h --help              Show this screen.
    --version               Show version.
    --addr=<addr>            Listen/dial address [default: %s].
    --storage=<storage>      Filestorage directory [default: %s].`,
		DefaultListenAddr,
		DefaultStorageDir,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	if demo, _ := opts.Bool("demo"); demo {
		runDemo()
		return
	}
	if serve, _ := opts.Bool("serve"); serve {
		addr, _ := opts.String("--addr")
		storageDir, _ := opts.String("--storage")
		runServe(addr, storageDir)
		return
	}
	if status, _ := opts.Bool("status"); status {
		addr, _ := opts.String("--addr")
		runStatus(addr)
		return
	}
}

// runDemo spins up two in-process Repos connected over adapter/memnet,
// creates a document on one, and prints convergence on the other.
func runDemo() {
	engine := automerge.New()

	left, right := memnet.Pair("repo-a", "repo-b")

	repoA := repo.NewRepo(repo.RepoConfig{
		PeerId:  "repo-a",
		Engine:  engine,
		Storage: memstorage.New("repo-a-storage"),
		Network: []repo.NetworkAdapter{left},
	})
	repoB := repo.NewRepo(repo.RepoConfig{
		PeerId:  "repo-b",
		Engine:  engine,
		Storage: memstorage.New("repo-b-storage"),
		Network: []repo.NetworkAdapter{right},
	})
	defer repoA.Shutdown()
	defer repoB.Shutdown()

	if err := left.Connect("repo-b", repo.PeerMetadata{IsEphemeral: true}); err != nil {
		fmt.Fprintln(os.Stderr, red.Sprint(err))
		os.Exit(1)
	}
	if err := right.Connect("repo-a", repo.PeerMetadata{IsEphemeral: true}); err != nil {
		fmt.Fprintln(os.Stderr, red.Sprint(err))
		os.Exit(1)
	}

	handleA, err := repoA.Create(map[string]any{"title": "repoctl demo"})
	if err != nil {
		fmt.Fprintln(os.Stderr, red.Sprint(err))
		os.Exit(1)
	}

	handleB := repoB.Find(handleA.DocumentId())

	headsBefore := "(not yet synced)"
	if h, err := handleB.Heads(); err == nil {
		headsBefore = fmt.Sprint(h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := handleB.Doc(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Sprintf("repo-b never converged: %v", err))
		os.Exit(1)
	}

	headsA, _ := handleA.Heads()
	headsB, _ := handleB.Heads()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Document", "Repo A heads", "Repo B heads (before)", "Repo B heads (after)")
	table.Append([]string{handleA.DocumentId().URL(), fmt.Sprint(headsA), headsBefore, fmt.Sprint(headsB)})
	table.Render()

	if headsA.Equal(headsB) {
		green.Println("converged")
	} else {
		red.Println("did not converge")
		os.Exit(1)
	}
}

// runServe runs a single long-lived Repo over a filestorage backend,
// accepting any number of websocket peers on /sync. wsnet's Adapter wraps
// exactly one connection, so the Repo is constructed lazily around the
// first accepted connection and every later connection is wired in via
// NetworkSubsystem.AddAdapter.
func runServe(addr, storageDir string) {
	storage, err := filestorage.New(repo.StorageId(addr), storageDir)
	if err != nil {
		glog.Fatalf("reposync: repoctl: %v", err)
	}
	selfStorageId := repo.StorageId(addr)

	var mu sync.Mutex
	var self *repo.Repo

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		adapter, err := wsnet.Accept(w, r)
		if err != nil {
			glog.Warningf("reposync: repoctl: accept failed: %v", err)
			return
		}

		mu.Lock()
		if self == nil {
			self = repo.NewRepo(repo.RepoConfig{
				PeerId:    repo.PeerId(addr),
				Engine:    automerge.New(),
				Storage:   storage,
				StorageId: selfStorageId,
				Network:   []repo.NetworkAdapter{adapter},
			})
			mu.Unlock()
		} else {
			current := self
			mu.Unlock()
			current.NetworkSubsystem().AddAdapter(adapter)
		}

		if err := adapter.Connect(repo.PeerId(addr), repo.PeerMetadata{StorageId: &selfStorageId}); err != nil {
			glog.Warningf("reposync: repoctl: hello handshake with %s failed: %v", r.RemoteAddr, err)
			return
		}
		glog.Infof("reposync: repoctl: accepted connection from %s", r.RemoteAddr)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		current := self
		mu.Unlock()
		if current == nil {
			http.Error(w, "no peers connected yet", http.StatusServiceUnavailable)
			return
		}
		resp := statusResponse{Peers: []string{}, Handles: []string{}}
		for _, p := range current.Peers() {
			resp.Peers = append(resp.Peers, string(p))
		}
		for _, id := range current.Handles() {
			resp.Handles = append(resp.Handles, id.URL())
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			glog.Warningf("reposync: repoctl: encode status response: %v", err)
		}
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		glog.Infof("reposync: repoctl: serving on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("reposync: repoctl: listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	glog.Infof("reposync: repoctl: shutting down")
	mu.Lock()
	defer mu.Unlock()
	if self != nil {
		self.Shutdown()
	}
}

// runStatus polls a running repoctl serve's /status endpoint and prints its
// Peers()/Handles() introspection.
func runStatus(addr string) {
	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		fmt.Fprintln(os.Stderr, red.Sprintf("repoctl status: %v", err))
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, red.Sprintf("repoctl status: %s: %s", addr, resp.Status))
		os.Exit(1)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintln(os.Stderr, red.Sprintf("repoctl status: decode response: %v", err))
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Peers", "Documents")
	rows := len(status.Peers)
	if len(status.Handles) > rows {
		rows = len(status.Handles)
	}
	for i := 0; i < rows; i++ {
		var peer, doc string
		if i < len(status.Peers) {
			peer = status.Peers[i]
		}
		if i < len(status.Handles) {
			doc = status.Handles[i]
		}
		table.Append([]string{peer, doc})
	}
	table.Render()
	green.Printf("%d peers, %d documents\n", len(status.Peers), len(status.Handles))
}
