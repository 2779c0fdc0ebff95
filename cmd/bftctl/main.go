// bftctl is the interactive control client: it joins the protocol
// topic as a client-role node and offers a small REPL for submitting
// operations and probing replica liveness.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cerera/bft/config"
	"github.com/cerera/bft/internal/bftcrypto"
	"github.com/cerera/bft/internal/executor"
	"github.com/cerera/bft/internal/logger"
	"github.com/cerera/bft/internal/node"
	"github.com/cerera/bft/internal/seqno"
	"github.com/cerera/bft/internal/wire"
)

var (
	cfgPath  string
	clientID uint32
	port     int
)

func main() {
	root := &cobra.Command{
		Use:   "bftctl",
		Short: "interactive control client for a bftnode quorum",
		RunE:  run,
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "", "path to JSON config file")
	root.Flags().Uint32Var(&clientID, "id", uint32(config.DefaultFirstCli), "client id (must be >= first_cli)")
	root.Flags().IntVar(&port, "port", 0, "p2p listen port (0 picks a free one)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	id := seqno.NodeID(clientID)
	if id.IsReplica(cfg.Network.FirstCli) {
		return fmt.Errorf("client id %s collides with the replica range (first_cli=%s)", id, cfg.Network.FirstCli)
	}

	if _, err := logger.Init(logger.Config{Level: "warn", Console: true}); err != nil {
		return err
	}
	defer logger.Sync()

	keys, err := bftcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, id, keys, node.Config{
		ListenPort: port,
		Members:    cfg.Members(),
		PeerAddrs:  cfg.Network.PeerAddrs,
		EnableDHT:  cfg.Network.EnableDHT,
	}, logger.Named("bftctl"))
	if err != nil {
		return err
	}
	defer n.Close()

	// drain protocol traffic so the subscription never backs up; pong
	// replies are the only thing worth echoing here
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-n.Inbound():
				if p, ok := in.Payload.(wire.Ping); ok && p.Reply {
					fmt.Printf("\npong from %s\n", in.Header.From)
				}
			}
		}
	}()

	rl, err := readline.New("bft> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("commands: set <key> <value> | get <key> | ping <replica-id> | quit")
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			return nil
		}
		input := strings.Fields(line)
		if len(input) == 0 {
			continue
		}
		switch input[0] {
		case "set":
			if len(input) < 3 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			submit(n, id, executor.KVOp{Set: true, Key: input[1], Value: []byte(strings.Join(input[2:], " "))})
		case "get":
			if len(input) < 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			submit(n, id, executor.KVOp{Key: input[1]})
		case "ping":
			if len(input) < 2 {
				fmt.Println("usage: ping <replica-id>")
				continue
			}
			target, err := strconv.ParseUint(input[1], 10, 32)
			if err != nil {
				fmt.Println("bad replica id:", input[1])
				continue
			}
			if err := n.Ping(seqno.NodeID(target)); err != nil {
				fmt.Println("ping failed:", err)
			} else {
				fmt.Println("ping sent to", seqno.NodeID(target))
			}
		case "quit", "exit":
			return nil
		default:
			fmt.Println("unknown command:", input[0])
		}
	}
}

func submit(n *node.Node, from seqno.NodeID, op executor.KVOp) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		fmt.Println("encode failed:", err)
		return
	}
	req := wire.ClientRequest{ID: uuid.New(), From: from, Operation: buf.Bytes()}
	if err := n.SubmitRequest(req); err != nil {
		fmt.Println("submit failed:", err)
		return
	}
	fmt.Println("submitted", req.ID)
}
