// pipebus-pingpong exercises the message bus between two real processes: the
// parent spawns itself with -worker, hands the child one end of a socketpair
// on fd 3, and ferries CBOR-encoded tasks through two bus instances. It
// mirrors the reactor↔worker pipe usage of a multi-process server runtime.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pipebus/pkg/codec"
	"pipebus/pkg/config"
	"pipebus/pkg/ids"
	"pipebus/pkg/msgbus"
	"pipebus/pkg/observability"
	"pipebus/pkg/reactor"
	"pipebus/pkg/sockpipe"
)

const (
	typeTask     = 1
	typeShutdown = 2

	workerPipeFd = 3
)

type task struct {
	Seq  int    `cbor:"seq"`
	Blob []byte `cbor:"blob"`
}

func main() {
	worker := flag.Bool("worker", false, "run as the worker child (internal)")
	count := flag.Int("count", 16, "messages to ferry")
	size := flag.Int("size", 256*1024, "payload size in bytes")
	cfgPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("setup logger: %v", err)
	}
	defer logger.Sync()

	if *worker {
		runWorker(cfg, logger)
		return
	}
	runParent(cfg, logger, *count, *size)
}

func newBus(cfg *config.Config, logger *zap.Logger, loop msgbus.EventLoop) *msgbus.Bus {
	bus, err := msgbus.New(msgbus.Options{
		BufferSize:            cfg.Bus.BufferSize,
		AlwaysChunkedTransfer: cfg.Bus.AlwaysChunkedTransfer,
		MaxRecvChunkCount:     cfg.Bus.MaxRecvChunkCount,
		IDGenerator:           ids.Sequence(),
		Logger:                logger,
		Loop:                  loop,
	})
	if err != nil {
		fatalf("new bus: %v", err)
	}
	return bus
}

func runParent(cfg *config.Config, logger *zap.Logger, count, size int) {
	// Datagram pipes keep every record atomic, the way the bus is used
	// between a reactor and its workers.
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		fatalf("socketpair: %v", err)
	}

	self, err := os.Executable()
	if err != nil {
		fatalf("resolve executable: %v", err)
	}
	child := exec.Command(self, "-worker")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.ExtraFiles = []*os.File{os.NewFile(uintptr(fds[1]), "pipe")}
	if err := child.Start(); err != nil {
		fatalf("start worker: %v", err)
	}
	unix.Close(fds[1])

	loop := reactor.New(0, logger)
	defer loop.Close()
	bus := newBus(cfg, logger, loop)
	defer bus.Close()
	sock, err := bus.InitPipeSocket(fds[0])
	if err != nil {
		fatalf("init pipe socket: %v", err)
	}

	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}

	blob := bytes.Repeat([]byte{0x5a}, size)
	for i := 0; i < count; i++ {
		payload, err := msgbus.EncodeBody(reg, codec.FormatCBOR, task{Seq: i, Blob: blob})
		if err != nil {
			fatalf("encode task: %v", err)
		}
		msg := msgbus.SendData{
			Info: msgbus.DataHead{Fd: int64(i), Type: typeTask, Len: uint32(len(payload))},
			Data: payload,
		}
		if err := bus.Write(sock, &msg); err != nil {
			fatalf("write task %d: %v", i, err)
		}

		head, pkt, err := nextMessage(bus, sock)
		if err != nil {
			fatalf("read echo: %v", err)
		}
		var t task
		if _, err := msgbus.DecodeBody(reg, pkt, &t); err != nil {
			fatalf("decode echo: %v", err)
		}
		if t.Seq != i || !bytes.Equal(t.Blob, blob) {
			fatalf("echo %d corrupted (seq=%d)", i, t.Seq)
		}
		logger.Info("echo verified",
			zap.Int("seq", t.Seq),
			zap.Uint64("msg_id", head.MsgID),
			zap.Uint32("len", head.Len))
	}
	shutdown := msgbus.SendData{Info: msgbus.DataHead{Type: typeShutdown}}
	if err := bus.Write(sock, &shutdown); err != nil {
		fatalf("write shutdown: %v", err)
	}

	if err := child.Wait(); err != nil {
		fatalf("worker exited: %v", err)
	}
	logger.Info("pingpong complete",
		zap.Int("messages", count),
		zap.Int("payload_bytes", size),
		zap.Int("bus_memory", bus.MemorySize()))
}

func runWorker(cfg *config.Config, logger *zap.Logger) {
	bus := newBus(cfg, logger, nil)
	defer bus.Close()
	sock, err := bus.InitPipeSocket(workerPipeFd)
	if err != nil {
		fatalf("init worker pipe: %v", err)
	}

	reg := codec.NewRegistry()
	if c, err := codec.CBOR(); err == nil {
		reg.Register(c)
	}

	for {
		head, pkt, err := nextMessage(bus, sock)
		if err != nil {
			fatalf("worker read: %v", err)
		}
		if head.Type == typeShutdown {
			logger.Info("worker shutting down", zap.Int("pending", bus.PendingMessages()))
			return
		}

		echo := msgbus.SendData{
			Info: msgbus.DataHead{Fd: head.Fd, Type: head.Type, Len: uint32(len(pkt))},
			Data: pkt,
		}
		if err := bus.Write(sock, &echo); err != nil {
			fatalf("worker write: %v", err)
		}
	}
}

// nextMessage drives Read until a message is deliverable, polling for
// readability whenever the socket drains. The payload is moved out of the
// reassembly pool (or copied when it was delivered inline) so the caller owns
// it past the next read.
func nextMessage(bus *msgbus.Bus, sock *sockpipe.Socket) (msgbus.DataHead, []byte, error) {
	for {
		status, _, err := bus.ReadDgram(sock)
		if err != nil {
			return msgbus.DataHead{}, nil, err
		}
		switch status {
		case msgbus.ReadReady:
			head := bus.Buffer().Info
			data := bus.MovePacket()
			if data == nil {
				data = append([]byte(nil), bus.GetPacket().Data...)
			}
			return head, data, nil
		case msgbus.ReadIdle:
			if err := waitReadable(sock.Fd()); err != nil {
				return msgbus.DataHead{}, nil, err
			}
		case msgbus.ReadYield:
			// Fairness yield; a real runtime would run other handlers here.
		}
	}
}

func waitReadable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pipebus-pingpong: "+format+"\n", args...)
	os.Exit(1)
}
