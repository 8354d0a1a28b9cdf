// simserver serves an in-memory robot on the urdf-viz HTTP routes so the
// urdf_viz backend can be exercised without a visualizer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"go.viam.com/rdk/logging"

	"jointctl"
)

var (
	addr   = flag.String("addr", "127.0.0.1:7777", "Listen address")
	joints = flag.String("joints", "j1,j2,j3,j4,j5,j6", "Comma separated joint names")
	debug  = flag.Bool("debug", false, "Log every request")
)

func main() {
	flag.Parse()
	log := logging.NewLogger("simserver")

	names := strings.Split(*joints, ",")
	var middleware []fiber.Handler
	if *debug {
		middleware = append(middleware, logger.New())
	}
	app := jointctl.NewSimulatorApp(jointctl.NewSimulatorState(names), middleware...)

	go func() {
		log.Infof("serving %d joints on %s", len(names), *addr)
		if err := app.Listen(*addr); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
