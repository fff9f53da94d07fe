// Package dispatch runs device commands against the sandboxed filesystem
// and the shared device state.
package dispatch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/skobkin/devbridge/internal/devicestate"
	"github.com/skobkin/devbridge/internal/protocol"
	"github.com/skobkin/devbridge/internal/vfs"
)

const PingToken = "123456"

const (
	displayAck   = "0"
	buttonAction = "read"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgument    = errors.New("bad argument")
)

// Filesystem is the storage the FS_* commands operate on.
type Filesystem interface {
	List(path string, max int) []string
	Read(path string, offset, length int64) []byte
	Stat(path string) int64
	Write(path string, data []byte, offset int64, inPlace bool) int
	Mkdir(path string) int
	Remove(path string) int
}

// Result is the reply to one command. An unhandled command produces no
// reply at all.
type Result struct {
	Handled bool
	Lines   []string
	// List replies are terminated by an empty line.
	List bool
}

// Encode renders the reply as it is written to the device.
func (r Result) Encode() []byte {
	if !r.Handled {
		return nil
	}
	if r.List {
		return protocol.EncodeLines(r.Lines)
	}
	var out []byte
	for _, line := range r.Lines {
		out = append(out, protocol.EncodeLine(line)...)
	}

	return out
}

type handlerFunc func(d *Dispatcher, args []string) (Result, error)

var handlers = map[string]handlerFunc{
	"PING":     handlePing,
	"DISPLAY":  handleDisplay,
	"FS_LIST":  handleList,
	"FS_READ":  handleRead,
	"FS_STAT":  handleStat,
	"FS_WRITE": handleWrite,
	"FS_MKDIR": handleMkdir,
	"FS_RM":    handleRemove,
	"BUTTON":   handleButton,
}

type Dispatcher struct {
	fs     Filesystem
	state  *devicestate.State
	logger *slog.Logger
}

func New(fs Filesystem, state *devicestate.State, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{fs: fs, state: state, logger: logger}
}

// Known reports whether name has a handler.
func Known(name string) bool {
	_, ok := handlers[name]

	return ok
}

// Dispatch runs cmd. Handler failures are logged and reported as unhandled.
func (d *Dispatcher) Dispatch(cmd protocol.Command) Result {
	h, ok := handlers[cmd.Name]
	if !ok {
		d.logger.Info("unknown command", "command", cmd.Name)

		return Result{}
	}

	res, err := h(d, cmd.Args)
	if err != nil {
		d.logger.Warn("command failed", "command", cmd.Name, "error", err)

		return Result{}
	}
	res.Handled = true

	return res
}

func handlePing(_ *Dispatcher, _ []string) (Result, error) {
	return single(PingToken), nil
}

func handleDisplay(d *Dispatcher, args []string) (Result, error) {
	buffer := arg(args, 0, "")
	d.state.SetDisplay(buffer)
	d.logger.Debug("display updated", "buffer_len", len(buffer))

	return single(displayAck), nil
}

func handleList(d *Dispatcher, args []string) (Result, error) {
	path := arg(args, 0, "/")
	limit, err := intArg(args, 1, vfs.DefaultListLimit)
	if err != nil {
		return Result{}, err
	}
	entries := d.fs.List(path, limit)
	d.logger.Debug("fs list", "path", path, "entries", len(entries))

	return Result{Lines: entries, List: true}, nil
}

func handleRead(d *Dispatcher, args []string) (Result, error) {
	path := arg(args, 0, "")
	offset, err := int64Arg(args, 1, 0)
	if err != nil {
		return Result{}, err
	}
	length, err := int64Arg(args, 2, -1)
	if err != nil {
		return Result{}, err
	}
	data := d.fs.Read(path, offset, length)
	d.logger.Debug("fs read", "path", path, "offset", offset, "length", length, "bytes", len(data))

	return single(base64.StdEncoding.EncodeToString(data)), nil
}

func handleStat(d *Dispatcher, args []string) (Result, error) {
	path := arg(args, 0, "")

	return single(strconv.FormatInt(d.fs.Stat(path), 10)), nil
}

func handleWrite(d *Dispatcher, args []string) (Result, error) {
	path := arg(args, 0, "")
	data, err := base64.StdEncoding.DecodeString(arg(args, 1, ""))
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode payload: %v", ErrBadArgument, err)
	}
	offset, err := int64Arg(args, 2, 0)
	if err != nil {
		return Result{}, err
	}
	inPlace := arg(args, 3, "0") == "1"
	n := d.fs.Write(path, data, offset, inPlace)
	d.logger.Debug("fs write", "path", path, "offset", offset, "in_place", inPlace, "written", n)

	return single(strconv.Itoa(n)), nil
}

func handleMkdir(d *Dispatcher, args []string) (Result, error) {
	return single(strconv.Itoa(d.fs.Mkdir(arg(args, 0, "")))), nil
}

func handleRemove(d *Dispatcher, args []string) (Result, error) {
	return single(strconv.Itoa(d.fs.Remove(arg(args, 0, "")))), nil
}

func handleButton(d *Dispatcher, args []string) (Result, error) {
	if action := arg(args, 0, ""); action != buttonAction {
		return Result{}, fmt.Errorf("%w: button action %q", ErrBadArgument, action)
	}

	return single(strconv.FormatInt(d.state.ReadButton(), 10)), nil
}

func single(line string) Result {
	return Result{Lines: []string{line}}
}

// arg returns the positional argument, or def when it is absent or empty.
func arg(args []string, i int, def string) string {
	if i >= len(args) || args[i] == "" {
		return def
	}

	return args[i]
}

func intArg(args []string, i int, def int) (int, error) {
	raw := arg(args, i, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: argument %d: %v", ErrBadArgument, i, err)
	}

	return v, nil
}

func int64Arg(args []string, i int, def int64) (int64, error) {
	raw := arg(args, i, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: argument %d: %v", ErrBadArgument, i, err)
	}

	return v, nil
}
