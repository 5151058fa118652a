package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/node"
	"lockstep.ai/internal/protocol/payload"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/demo"
	"lockstep.ai/internal/sim/tick"
	"lockstep.ai/internal/sim/tuning"
)

// bot joins a session as a client peer and submits random demo commands.
func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "authority ws url")
		name       = flag.String("name", "bot", "peer name")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		every      = flag.Duration("every", 250*time.Millisecond, "delay between submitted commands")
		maps       = flag.Int("maps", 2, "regions to create on join")
		rngSeed    = flag.Int64("rng", time.Now().UnixNano(), "command picker seed")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Str("component", "bot").Logger()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Warn().Err(err).Msg("using default tuning")
		tune = tuning.Defaults()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := node.Connect(dialCtx, *url, node.Config{Name: *name, Tuning: tune}, logger)
	dialCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	logger.Info().Int32("player", c.PlayerID()).Msg("joined")

	b := &bot{rnd: rand.New(rand.NewSource(*rngSeed)), reg: demo.NewRegistry()}
	for i := 0; i < *maps; i++ {
		b.maps = append(b.maps, c.PlayerID()*100+int32(i)+1)
	}
	go func() {
		for _, id := range b.maps {
			if err := c.Submit(command.Command{Kind: command.KindCreateMap, Target: command.GlobalID, Payload: tick.MapPayload(id)}); err != nil {
				logger.Warn().Err(err).Msg("create map")
			}
		}
		t := time.NewTicker(*every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			cmd, err := b.next()
			if err != nil {
				logger.Warn().Err(err).Msg("encode")
				continue
			}
			if err := c.Submit(cmd); err != nil {
				logger.Warn().Err(err).Msg("submit")
				return
			}
		}
	}()

	if err := c.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("stopped")
	}
}

type bot struct {
	rnd  *rand.Rand
	reg  *payload.Registry
	maps []int32
}

func (b *bot) next() (command.Command, error) {
	target := b.maps[b.rnd.Intn(len(b.maps))]
	var (
		kind = command.KindSync
		p    []byte
		err  error
	)
	switch b.rnd.Intn(10) {
	case 0:
		target = command.GlobalID
		p, err = payload.Encode(b.reg, &demo.Settle{People: int64(1 + b.rnd.Intn(20))})
	case 1, 2, 3:
		p, err = payload.Encode(b.reg, &demo.Spawn{Count: int32(1 + b.rnd.Intn(4))})
	case 4, 5, 6, 7:
		p, err = payload.Encode(b.reg, &demo.Nudge{Unit: int32(1 + b.rnd.Intn(8)), DX: int32(b.rnd.Intn(5) - 2), DY: int32(b.rnd.Intn(5) - 2)})
	default:
		kind = command.KindDesignator
		cells := make([]demo.Cell, 1+b.rnd.Intn(6))
		for i := range cells {
			cells[i] = demo.Cell{X: int32(b.rnd.Intn(64)), Y: int32(b.rnd.Intn(64))}
		}
		p, err = payload.Encode(b.reg, &demo.Paint{Value: int32(1 + b.rnd.Intn(9)), Cells: cells})
	}
	if err != nil {
		return command.Command{}, err
	}
	return command.Command{Kind: kind, Target: target, Payload: p}, nil
}
