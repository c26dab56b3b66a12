// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/rtdb/client/rtdb"
	"github.com/westerndigitalcorporation/rtdb/internal/core"
	"github.com/westerndigitalcorporation/rtdb/internal/modify"
	"github.com/westerndigitalcorporation/rtdb/internal/query"
	"github.com/westerndigitalcorporation/rtdb/internal/realtime"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
	"github.com/westerndigitalcorporation/rtdb/internal/server"
	"github.com/westerndigitalcorporation/rtdb/internal/store"
	"github.com/westerndigitalcorporation/rtdb/pkg/value"
)

var usage = `
	rtdbcli is a tool to interact with a running rtdb server. It can also start
	a server in-process with an in-memory store and talk to it.

	You can use rtdbcli in two modes: either issue one command to a given server
	or start a command line interpreter to issue commands interactively. You can
	issue just one command to a given server by typing something like:

		rtdbcli [--addr <host:port>] [--schema <file>] [(--setup <setup-commands>)...] <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing something like:

		rtdbcli [--addr <host:port>] [(--setup <setup-commands>)...] shell

	The encode, decode, compile and prefixes commands work offline when --schema
	names a declaration file; otherwise they use the server's schema.

	For example, the command below starts a local server with the given schema,
	creates a user and then starts the shell:

		rtdbcli --schema schema.json --setup start_server --setup "mutate -t user -p '{\"name\":\"ada\"}'" shell
	`

// rtdbCli holds the state shared by the commands of one cli process.
type rtdbCli struct {
	// the actual client we'll use to talk to the server.
	clt *rtdb.Client
	// Cache key to know when we can reuse clt.
	cltCacheKey string
	// the command line framework we'll use to launch commands.
	app *cli.App
	// A server started by start_server, nil otherwise.
	local     *realtime.Server
	localAddr string
	// True if we are running a shell.
	inShell bool
}

// newRtdbCli creates a new rtdbCli object.
func newRtdbCli() *rtdbCli {
	b := &rtdbCli{}
	app := cli.NewApp()
	app.Name = "rtdbcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "host:port of the rtdb server",
			Value: "localhost:4080",
		},
		cli.StringFlag{
			Name:  "schema, s",
			Usage: "schema declaration file for offline commands and start_server",
		},
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "Deadline of each command",
			Value: 30 * time.Second,
		},
	}

	typeFlag := cli.StringFlag{
		Name:  "type, t",
		Usage: "type name",
	}
	idFlag := cli.IntFlag{
		Name:  "id, i",
		Usage: "record id (0 lets the server allocate one on create)",
	}
	opFlag := cli.StringFlag{
		Name:  "op, o",
		Usage: "create, update, merge or delete",
		Value: "create",
	}
	payloadFlag := cli.StringFlag{
		Name:  "payload, p",
		Usage: "JSON object of property values",
	}
	queryFlag := cli.StringFlag{
		Name:  "query, q",
		Usage: "JSON query definition",
	}

	engineFlag := cli.StringFlag{
		Name:  "engine",
		Usage: "store engine: bolt or sqlite",
		Value: store.EngineBolt,
	}
	dbFlag := cli.StringFlag{
		Name:  "db",
		Usage: "database file of the store",
	}
	dumpFileFlag := cli.StringFlag{
		Name:  "file, f",
		Usage: "dump file",
	}

	app.Commands = []cli.Command{
		{
			Name:   "schema",
			Usage:  "Prints the server's schema and its checksum.",
			Action: b.cmdSchema,
		},
		{
			Name:   "prefixes",
			Usage:  "Lists every type with its prefix and property layout.",
			Action: b.cmdPrefixes,
		},
		{
			Name:  "encode",
			Usage: "Encodes a mutation and prints it in hex.",
			Flags: []cli.Flag{
				typeFlag,
				opFlag,
				idFlag,
				payloadFlag,
			},
			Action: b.cmdEncode,
		},
		{
			Name:      "decode",
			Usage:     "Decodes a hex encoded mutation.",
			ArgsUsage: "<hex>",
			Action:    b.cmdDecode,
		},
		{
			Name:  "compile",
			Usage: "Compiles a query and prints the program in hex.",
			Flags: []cli.Flag{
				queryFlag,
			},
			Action: b.cmdCompile,
		},
		{
			Name:    "mutate",
			Aliases: []string{"m"},
			Usage:   "Applies a mutation on the server.",
			Flags: []cli.Flag{
				typeFlag,
				opFlag,
				idFlag,
				payloadFlag,
			},
			Action: b.cmdMutate,
		},
		{
			Name:  "get",
			Usage: "Prints one record.",
			Flags: []cli.Flag{
				typeFlag,
				idFlag,
			},
			Action: b.cmdGet,
		},
		{
			Name:    "query",
			Aliases: []string{"q"},
			Usage:   "Runs a query once.",
			Flags: []cli.Flag{
				queryFlag,
			},
			Action: b.cmdQuery,
		},
		{
			Name:  "subscribe",
			Usage: "Prints the results of a live query as they change.",
			Flags: []cli.Flag{
				queryFlag,
				cli.IntFlag{
					Name:  "count, n",
					Usage: "stop after this many results (unset or <= 0 means until the timeout)",
				},
			},
			Action: b.cmdSubscribe,
		},
		{
			Name:      "migrate",
			Usage:     "Migrates the server to a new schema declaration.",
			ArgsUsage: "<schema-file>",
			Action:    b.cmdMigrate,
		},
		{
			Name:  "dump",
			Usage: "Copies every record of a stopped server's store into a dump file.",
			Flags: []cli.Flag{
				engineFlag,
				dbFlag,
				dumpFileFlag,
			},
			Action: b.cmdDump,
		},
		{
			Name:  "restore",
			Usage: "Loads a dump file into a store, e.g. to move a database between engines.",
			Flags: []cli.Flag{
				engineFlag,
				dbFlag,
				dumpFileFlag,
			},
			Action: b.cmdRestore,
		},
		{
			Name:   "shell",
			Usage:  "Starts a shell for interaction.",
			Action: b.cmdShell,
		},
		{
			Name:   "start_server",
			Usage:  "Starts a local server with an in-memory store and the --schema declaration, and connects to it. The server is stopped by 'stop_server' or when the cli exits.",
			Action: b.cmdStartServer,
		},
		{
			Name:   "stop_server",
			Usage:  "Stops the local server.",
			Action: b.cmdStopServer,
		},
		{
			Name:   "fget",
			Usage:  "Return the current failure configuration of the server.",
			Action: b.cmdFailureConfigGet,
		},
		{
			Name:      "fset",
			Usage:     "Update the failure configuration of the server.",
			ArgsUsage: "<op1> <code1> <op2> <code2> ...",
			Description: `
Replace the failure configuration of a server started with -useFailure by giving
it a list of operation and numeric error code pairs, e.g. "fset Mutate 12".
Without arguments every failure is cleared.`,
			Action: b.cmdFailureConfigSet,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	// By default 'HelpName' will be the parent command name('rtdbcli' in our
	// case) + command name. Overwrite 'HelpName' to be command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *rtdbCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resource used by the rtdbCli object.
func (b *rtdbCli) stop() {
	if b.clt != nil {
		b.clt.Close()
		b.clt = nil
	}
	b.stopServer()
}

func (b *rtdbCli) getAddr(c *cli.Context) string {
	if b.local != nil {
		return b.localAddr
	}
	return c.GlobalString("addr")
}

// getClient returns a client for the server, reusing the previous one if it
// talks to the same address.
func (b *rtdbCli) getClient(c *cli.Context) *rtdb.Client {
	addr := b.getAddr(c)
	if b.clt != nil && b.cltCacheKey == addr {
		return b.clt
	}
	if b.clt != nil {
		b.clt.Close()
	}
	b.clt = rtdb.NewClient(rtdb.Options{
		Addr:         addr,
		RetryTimeout: c.GlobalDuration("timeout"),
		Instance:     "rtdbcli",
	})
	b.cltCacheKey = addr
	return b.clt
}

func (b *rtdbCli) context(c *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
}

// getSchema loads the --schema file if it's given and fetches the server's
// schema otherwise.
func (b *rtdbCli) getSchema(c *cli.Context) (*schema.Schema, error) {
	if path := c.GlobalString("schema"); path != "" && b.local == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return schema.Load(data)
	}
	ctx, cancel := b.context(c)
	defer cancel()
	return b.getClient(c).Schema(ctx)
}

// This function will be called before any subcommand gets started so some setup
// can be done here.
func (b *rtdbCli) beforeSubcommandRun(c *cli.Context) error {
	// See if users have some setup commands to run before any subcommand starts.
	commands := c.GlobalStringSlice("setup")
	if len(commands) != 0 {
		log.Infof("Running setup commands...")
		for _, command := range commands {
			log.Infof("Running command %q", command)
			args, err := shlex.Split(command)
			if err != nil {
				log.Errorf("error: %v", err)
				return err
			}
			if err := b.runCommand(c, args...); err != nil {
				log.Errorf("error: %v", err)
				return err
			}
		}
		log.Infof("Setup is done!")
	}
	return nil
}

func parseJSONFlag(c *cli.Context, name string) (value.Value, error) {
	s := c.String(name)
	if s == "" {
		return nil, fmt.Errorf("--%s is required", name)
	}
	return value.ParseJSON([]byte(s))
}

func parseQuery(c *cli.Context) (*query.Def, error) {
	v, err := parseJSONFlag(c, "query")
	if err != nil {
		return nil, err
	}
	return query.ParseDef(v)
}

// parseMutation reads the type, op, id and payload flags.
func parseMutation(c *cli.Context) (typ string, op core.OpKind, id core.RecordID, payload *value.Map, err error) {
	if typ = c.String("type"); typ == "" {
		err = fmt.Errorf("--type is required")
		return
	}
	if op, err = core.ParseOpKind(c.String("op")); err != nil {
		return
	}
	if c.Int("id") < 0 {
		err = fmt.Errorf("negative id")
		return
	}
	id = core.RecordID(c.Int("id"))
	if c.String("payload") == "" {
		return
	}
	var v value.Value
	if v, err = value.ParseJSON([]byte(c.String("payload"))); err != nil {
		return
	}
	m, ok := v.(*value.Map)
	if !ok {
		err = fmt.Errorf("payload must be a JSON object")
		return
	}
	payload = m
	return
}

// cmdSchema implements the "schema" subcommand.
func (b *rtdbCli) cmdSchema(c *cli.Context) {
	ctx, cancel := b.context(c)
	defer cancel()
	s, err := b.getClient(c).Schema(ctx)
	if err != nil {
		log.Errorf("Couldn't fetch schema: %s", err)
		return
	}
	decl, err := s.Decl().JSON()
	if err != nil {
		log.Errorf("Couldn't encode schema: %s", err)
		return
	}
	var out bytes.Buffer
	json.Indent(&out, decl, "", "  ")
	fmt.Printf("checksum %016x\n%s\n", s.Checksum(), out.String())
}

// cmdPrefixes implements the "prefixes" subcommand.
func (b *rtdbCli) cmdPrefixes(c *cli.Context) {
	s, err := b.getSchema(c)
	if err != nil {
		log.Errorf("Couldn't load schema: %s", err)
		return
	}
	fmt.Printf("version %d checksum %016x\n", s.Version, s.Checksum())
	for _, td := range s.Types {
		fmt.Printf("%s id=%d prefix=%s main=%d\n", td.Name, td.ID, td.Prefix, td.MainLen)
		for _, p := range td.Props {
			fmt.Printf("    %3d %-24s %-10s offset=%d size=%d\n", p.ID, p.Path, p.Wire, p.Offset, p.Size)
		}
	}
}

// cmdEncode implements the "encode" subcommand.
func (b *rtdbCli) cmdEncode(c *cli.Context) {
	typ, op, id, payload, err := parseMutation(c)
	if err != nil {
		log.Errorf("Bad arguments: %s", err)
		return
	}
	s, err := b.getSchema(c)
	if err != nil {
		log.Errorf("Couldn't load schema: %s", err)
		return
	}
	td, err := s.Type(typ)
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	res, err := modify.Encode(td, op, id, payload, modify.DefaultOptions())
	if err != nil {
		log.Errorf("Couldn't encode: %s", err)
		return
	}
	fmt.Println(hex.EncodeToString(res.Bytes))
}

// cmdDecode implements the "decode" subcommand.
func (b *rtdbCli) cmdDecode(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.app.Run([]string{"rtdbcli", c.Command.Name, "-h"})
		return
	}
	raw, err := hex.DecodeString(c.Args().Get(0))
	if err != nil {
		log.Errorf("Bad hex: %s", err)
		return
	}
	s, err := b.getSchema(c)
	if err != nil {
		log.Errorf("Couldn't load schema: %s", err)
		return
	}
	rec, err := modify.Decode(s, raw)
	if err != nil {
		log.Errorf("Couldn't decode: %s", err)
		return
	}
	fmt.Printf("%s %s %s\n", rec.Op, rec.Key(), value.String(rec.Fields()))
}

// cmdCompile implements the "compile" subcommand.
func (b *rtdbCli) cmdCompile(c *cli.Context) {
	d, err := parseQuery(c)
	if err != nil {
		log.Errorf("Bad query: %s", err)
		return
	}
	s, err := b.getSchema(c)
	if err != nil {
		log.Errorf("Couldn't load schema: %s", err)
		return
	}
	prog, err := query.Compile(s, d)
	if err != nil {
		log.Errorf("Couldn't compile: %s", err)
		return
	}
	fmt.Printf("schema=%016x prefixes=%v filter=%dB include=%dB sort=%v\n",
		prog.SchemaChecksum, prog.Prefixes, len(prog.Filter), len(prog.Include), prog.Sort != nil)
	fmt.Println(hex.EncodeToString(prog.Bytes()))
}

// cmdMutate implements the "mutate" subcommand.
func (b *rtdbCli) cmdMutate(c *cli.Context) {
	typ, op, id, payload, err := parseMutation(c)
	if err != nil {
		log.Errorf("Bad arguments: %s", err)
		return
	}
	ctx, cancel := b.context(c)
	defer cancel()
	id, err = b.getClient(c).Mutate(ctx, typ, op, id, payload)
	if err != nil {
		log.Errorf("Mutation failed: %s", err)
		return
	}
	log.Infof("%s %s:%d", op, typ, id)
}

// cmdGet implements the "get" subcommand.
func (b *rtdbCli) cmdGet(c *cli.Context) {
	typ := c.String("type")
	if typ == "" || c.Int("id") <= 0 {
		b.app.Run([]string{"rtdbcli", c.Command.Name, "-h"})
		return
	}
	ctx, cancel := b.context(c)
	defer cancel()
	m, err := b.getClient(c).Get(ctx, typ, core.RecordID(c.Int("id")))
	if err != nil {
		log.Errorf("Get failed: %s", err)
		return
	}
	fmt.Println(value.String(m))
}

// cmdQuery implements the "query" subcommand.
func (b *rtdbCli) cmdQuery(c *cli.Context) {
	d, err := parseQuery(c)
	if err != nil {
		log.Errorf("Bad query: %s", err)
		return
	}
	ctx, cancel := b.context(c)
	defer cancel()
	res, sum, err := b.getClient(c).Query(ctx, d)
	if err != nil {
		log.Errorf("Query failed: %s", err)
		return
	}
	fmt.Printf("checksum %08x\n%s\n", sum, value.String(res))
}

// cmdSubscribe implements the "subscribe" subcommand.
func (b *rtdbCli) cmdSubscribe(c *cli.Context) {
	d, err := parseQuery(c)
	if err != nil {
		log.Errorf("Bad query: %s", err)
		return
	}
	ctx, cancel := b.context(c)
	defer cancel()
	st, err := rtdb.Dial(ctx, b.getAddr(c))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	defer st.Close()
	if err := st.Subscribe("cli", d); err != nil {
		log.Errorf("Subscribe failed: %s", err)
		return
	}
	for n := 0; c.Int("count") <= 0 || n < c.Int("count"); {
		ev, err := st.Next(ctx)
		if err != nil {
			if !core.ErrCanceled.Is(err) {
				log.Errorf("%s", err)
			}
			return
		}
		switch ev.Kind {
		case rtdb.EventData:
			fmt.Printf("%s checksum %08x\n%s\n", time.Now().Format(time.RFC3339), ev.Checksum, value.String(ev.Result))
			n++
		case rtdb.EventError:
			log.Errorf("%s", ev.Err)
			return
		}
	}
}

// cmdMigrate implements the "migrate" subcommand.
func (b *rtdbCli) cmdMigrate(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.app.Run([]string{"rtdbcli", c.Command.Name, "-h"})
		return
	}
	decl, err := os.ReadFile(c.Args().Get(0))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	resp, err := http.Post("http://"+b.getAddr(c)+"/migrate", "application/json", bytes.NewReader(decl))
	if err != nil {
		log.Errorf("Migration request failed: %s", err)
		return
	}
	defer resp.Body.Close()
	var state server.MigrateState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		log.Errorf("Bad reply: %s", err)
		return
	}
	if state.Error != "" {
		log.Errorf("Migration failed: %s", state.Error)
		return
	}
	log.Infof("Migrated to schema %s", state.Checksum)
}

func openStore(c *cli.Context) (store.Store, error) {
	if c.String("db") == "" || c.String("file") == "" {
		return nil, fmt.Errorf("--db and --file are required")
	}
	return store.Open(store.Config{Engine: c.String("engine"), Path: c.String("db")})
}

// cmdDump implements the "dump" subcommand.
func (b *rtdbCli) cmdDump(c *cli.Context) {
	st, err := openStore(c)
	if err != nil {
		log.Errorf("Couldn't open store: %s", err)
		return
	}
	defer st.Close()
	f, err := os.Create(c.String("file"))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	n, err := store.Dump(st, f, realtime.SchemaMeta)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Errorf("Dump failed: %s", err)
		return
	}
	log.Infof("Dumped %d records to %s", n, c.String("file"))
}

// cmdRestore implements the "restore" subcommand.
func (b *rtdbCli) cmdRestore(c *cli.Context) {
	st, err := openStore(c)
	if err != nil {
		log.Errorf("Couldn't open store: %s", err)
		return
	}
	defer st.Close()
	f, err := os.Open(c.String("file"))
	if err != nil {
		log.Errorf("%s", err)
		return
	}
	defer f.Close()
	n, err := store.Restore(st, f)
	if err != nil {
		log.Errorf("Restore failed: %s", err)
		return
	}
	log.Infof("Restored %d records from %s", n, c.String("file"))
}

// cmdShell implements the "shell" subcommand.
func (b *rtdbCli) cmdShell(c *cli.Context) {
	b.inShell = true
	defer func() { b.inShell = false }()

	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	liner := liner.NewLiner()
	liner.SetCtrlCAborts(true)

	// Complete command names.
	liner.SetCompleter(func(line string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, line) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer liner.Close()

	for {
		input, err := liner.Prompt(fmt.Sprintf("(%s) ", b.getAddr(c)))
		if err != nil {
			if err != io.EOF {
				log.Errorf("error: %v", err)
			}
			return
		}

		// We use 'shlex' because we want split input line in to tokens using
		// shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error:%v", err)
			continue
		}

		// Skip empty line.
		if 0 == len(args) {
			continue
		}

		if args[0] == "exit" {
			return
		}

		if b.runCommand(c, args...) == nil {
			// Adds succeeded command to command history.
			liner.AppendHistory(input)
		}
	}
}

// cmdStartServer implements the "start_server" subcommand.
func (b *rtdbCli) cmdStartServer(c *cli.Context) {
	if b.local != nil {
		log.Errorf("There's already a local server running, must stop it first")
		return
	}

	cfg := realtime.DefaultTestConfig
	cfg.Store = store.Config{Engine: store.EngineMem}
	cfg.SchemaFile = c.GlobalString("schema")
	cfg.UseFailure = true

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		log.Errorf("Couldn't listen: %s", err)
		return
	}
	srv, err := realtime.NewServer(&cfg)
	if err != nil {
		l.Close()
		log.Errorf("Couldn't start server: %s", err)
		return
	}
	go func() {
		if err := srv.Serve(l); err != nil {
			log.Errorf("local server: %s", err)
		}
	}()
	b.local, b.localAddr = srv, l.Addr().String()
	log.Infof("Local server is serving on %s", b.localAddr)
}

// cmdStopServer implements the "stop_server" subcommand.
func (b *rtdbCli) cmdStopServer(c *cli.Context) {
	if b.local == nil {
		log.Errorf("No local server is running")
		return
	}
	b.stopServer()
}

func (b *rtdbCli) stopServer() {
	if b.local != nil {
		b.local.Close()
		b.local = nil
	}
}

// cmdFailureConfigGet implements the "fget" subcommand.
func (b *rtdbCli) cmdFailureConfigGet(c *cli.Context) {
	resp, err := http.Get("http://" + b.getAddr(c) + "/_failures")
	if err != nil {
		log.Errorf("Failed to get failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Errorf("Failed to get failure config: %s %v", resp.Status, err)
		return
	}
	log.Infof("%s", bytes.TrimSpace(data))
}

// cmdFailureConfigSet implements the "fset" subcommand.
func (b *rtdbCli) cmdFailureConfigSet(c *cli.Context) {
	kvs := c.Args()
	if len(kvs)%2 != 0 {
		// Display help message of the command if the number of arguments is wrong.
		b.app.Run([]string{"rtdbcli", c.Command.Name, "-h"})
		return
	}

	config := make(map[string]core.Error)
	for i := 0; i < len(kvs); i += 2 {
		code, err := strconv.Atoi(kvs[i+1])
		if err != nil {
			log.Errorf("Bad error code %q", kvs[i+1])
			return
		}
		config[kvs[i]] = core.Error(code)
	}
	data, err := json.Marshal(config)
	if err != nil {
		log.Errorf("Failed to encode failure config: %v", err)
		return
	}
	resp, err := http.Post("http://"+b.getAddr(c)+"/_failures", "application/json", bytes.NewReader(data))
	if err != nil {
		log.Errorf("Failed to set failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		log.Errorf("Failed to set failure config: %s", bytes.TrimSpace(msg))
		return
	}
	log.Infof("Updated failure config")
}

// runCommand runs a command after the cli gets started already(either from command
// interpreter or setup flags).
func (b *rtdbCli) runCommand(c *cli.Context, args ...string) error {
	cmdArgs := []string{"rtdbcli", "--addr", c.GlobalString("addr"), "--schema", c.GlobalString("schema"),
		"--timeout", c.GlobalDuration("timeout").String()}
	cmdArgs = append(cmdArgs, args...)
	return b.run(cmdArgs)
}
