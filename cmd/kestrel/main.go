package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelbt/kestrel/internal/jsonutil"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/rpcclient"
	"github.com/kestrelbt/kestrel/torrent"
	"github.com/urfave/cli"
)

const defaultConfig = "~/.kestrel/config.yaml"

var clt *rpcclient.Client

func main() {
	app := cli.NewApp()
	app.Name = "kestrel"
	app.Usage = "BitTorrent engine"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config,c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, notice, warning, error or critical",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "server",
			Usage:  "run the engine until interrupted",
			Action: handleServer,
		},
		{
			Name:      "download",
			Usage:     "download a torrent and print its status",
			ArgsUsage: "<file, URL or magnet link>",
			Action:    handleDownload,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "dest,d",
					Usage: "save files under `DIR`",
				},
				cli.StringSliceFlag{
					Name:  "peer,p",
					Usage: "add peer `ADDR` (host:port), can be repeated",
				},
				cli.BoolFlag{
					Name:  "seed",
					Usage: "continue seeding after download is finished",
				},
				cli.DurationFlag{
					Name:  "interval",
					Usage: "status print interval",
					Value: time.Second,
				},
			},
		},
		{
			Name:  "client",
			Usage: "send a command to a running server",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "url",
					Usage: "URL of the RPC server",
					Value: "http://127.0.0.1:7247",
				},
			},
			Before: func(c *cli.Context) error {
				clt = rpcclient.New(c.String("url"))
				return nil
			},
			After: func(c *cli.Context) error {
				return clt.Close()
			},
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list torrents",
					Action: handleList,
				},
				{
					Name:      "add",
					Usage:     "add a torrent",
					ArgsUsage: "<file, URL or magnet link>",
					Action:    handleAdd,
					Flags: []cli.Flag{
						cli.StringFlag{Name: "dest,d", Usage: "save files under `DIR`"},
						cli.BoolFlag{Name: "paused", Usage: "do not start the torrent"},
					},
				},
				{
					Name:      "remove",
					Usage:     "remove a torrent",
					ArgsUsage: "<info hash>",
					Action:    handleRemove,
					Flags: []cli.Flag{
						cli.BoolFlag{Name: "delete-data", Usage: "delete downloaded files"},
					},
				},
				{
					Name:      "status",
					Usage:     "print torrent status",
					ArgsUsage: "<info hash>",
					Action:    handleStatus,
				},
				{
					Name:      "peers",
					Usage:     "print connected peers of a torrent",
					ArgsUsage: "<info hash>",
					Action:    handlePeers,
				},
				{
					Name:      "pause",
					Usage:     "pause a torrent",
					ArgsUsage: "<info hash>",
					Action:    handlePause,
				},
				{
					Name:      "resume",
					Usage:     "resume a torrent",
					ArgsUsage: "<info hash>",
					Action:    handleResume,
				},
				{
					Name:      "add-peer",
					Usage:     "add a peer address to a torrent",
					ArgsUsage: "<info hash> <host:port>",
					Action:    handleAddPeer,
				},
				{
					Name:      "reannounce",
					Usage:     "announce a torrent to its trackers now",
					ArgsUsage: "<info hash>",
					Action:    handleReannounce,
				},
				{
					Name:      "queue",
					Usage:     "print pieces being downloaded",
					ArgsUsage: "<info hash>",
					Action:    handleQueue,
				},
				{
					Name:   "stats",
					Usage:  "print engine statistics",
					Action: handleStats,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(c *cli.Context) (*torrent.Config, error) {
	cfg, err := torrent.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	return cfg, nil
}

func handleServer(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	e, err := torrent.New(*cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return e.Close()
}

func handleDownload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("torrent is not given", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// The RPC server of a running engine may be using the port.
	cfg.RPCEnabled = false
	e, err := torrent.New(*cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	t, err := e.AddTorrent(c.Args().First(), c.String("dest"), nil)
	if err != nil {
		e.Close()
		return err
	}
	var addrs []*net.TCPAddr
	for _, s := range c.StringSlice("peer") {
		addr, err := net.ResolveTCPAddr("tcp", s)
		if err != nil {
			e.Close()
			return err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) > 0 {
		t.AddPeers(addrs)
	}

	completeC := t.NotifyComplete()
	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err = printStatus(t.Status()); err != nil {
				e.Close()
				return err
			}
		case <-completeC:
			completeC = nil
			if err = printStatus(t.Status()); err != nil {
				e.Close()
				return err
			}
			if !c.Bool("seed") {
				return e.Close()
			}
		case <-ctx.Done():
			return e.Close()
		}
	}
}

func printStatus(s torrent.Status) error {
	b, err := jsonutil.MarshalCompactPretty(s)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	if s.Error != nil {
		fmt.Println("Error:", s.Error)
	}
	return nil
}

func printJSON(v any) error {
	b, err := jsonutil.MarshalPretty(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return err
}

func infoHashArg(c *cli.Context) (string, error) {
	ih := c.Args().First()
	if b, err := hex.DecodeString(ih); err != nil || len(b) != 20 {
		return "", errors.New("info hash must be 40 hex characters")
	}
	return ih, nil
}

func handleList(c *cli.Context) error {
	torrents, err := clt.ListTorrents()
	if err != nil {
		return err
	}
	return printJSON(torrents)
}

func handleAdd(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("torrent is not given", 2)
	}
	t, err := clt.AddTorrent(c.Args().First(), c.String("dest"), c.Bool("paused"))
	if err != nil {
		return err
	}
	return printJSON(t)
}

func handleRemove(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	return clt.RemoveTorrent(ih, c.Bool("delete-data"))
}

func handleStatus(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	s, err := clt.GetStatus(ih)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handlePeers(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	peers, err := clt.GetPeers(ih)
	if err != nil {
		return err
	}
	return printJSON(peers)
}

func handlePause(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	return clt.Pause(ih)
}

func handleResume(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	return clt.Resume(ih)
}

func handleAddPeer(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	if c.NArg() != 2 {
		return cli.NewExitError("peer address is not given", 2)
	}
	return clt.AddPeer(ih, c.Args().Get(1))
}

func handleReannounce(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	return clt.ForceReannounce(ih)
}

func handleQueue(c *cli.Context) error {
	ih, err := infoHashArg(c)
	if err != nil {
		return err
	}
	queue, err := clt.GetDownloadQueue(ih)
	if err != nil {
		return err
	}
	for _, e := range queue {
		fmt.Printf("%4d: [%s]\n", e.PieceIndex, e.Blocks)
	}
	return nil
}

func handleStats(c *cli.Context) error {
	s, err := clt.GetEngineStats()
	if err != nil {
		return err
	}
	return printJSON(s)
}
