// mycobridge is the device communication daemon: it accepts MycoBrain
// links over TCP and websocket, keeps a session per device and forwards
// telemetry to the platform sink.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/dispatch"
	"github.com/mycosoft/mycobridge/ingest"
	"github.com/mycosoft/mycobridge/log2"
	"github.com/mycosoft/mycobridge/mdp"
	"github.com/mycosoft/mycobridge/sink"
	"github.com/mycosoft/mycobridge/state"
	"github.com/mycosoft/mycobridge/transport"
	"github.com/temoto/alive/v2"
)

const defaultSpillPath = "/var/lib/mycobridge/spill"

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "mycobridge.hcl", "")
	flag.Parse()

	log.SetFlags(log2.LInteractiveFlags)
	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Infof("config=%+v", config)

	a := alive.NewAlive()

	var snk sink.Sink = sink.Noop{}
	if config.Sink.Mqtt.Enable {
		var err error
		if snk, err = sink.NewMQTT(config.MqttConfig(), log); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	ingestConfig := config.IngestConfig()
	if ingestConfig.SpillPath == "" {
		ingestConfig.SpillPath = defaultSpillPath
	}
	ingestor, err := ingest.New(ingest.Options{Config: ingestConfig, Log: log, Sink: snk})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	dispatcher := dispatch.New(dispatch.Options{
		Session:     config.SessionConfig(),
		Log:         log,
		OnTelemetry: func(tm *mdp.Telemetry) { ingestor.Offer(tm) },
		OnEvent: func(ev *mdp.Event) {
			switch ev.Severity {
			case mdp.SeverityError, mdp.SeverityCritical:
				log.Errorf("device=%s event=%s severity=%s payload=%s", ev.DeviceID, ev.EventType, ev.Severity, ev.Payload)
			default:
				log.Infof("device=%s event=%s severity=%s", ev.DeviceID, ev.EventType, ev.Severity)
			}
		},
	})

	if config.Listen.TCP != "" {
		go listenTCP(a, dispatcher, config.Listen.TCP)
	}
	if config.Listen.WS != "" {
		go listenWS(a, dispatcher, config.Listen.WS, config.Listen.WSPath)
	}
	if config.Listen.TCP == "" && config.Listen.WS == "" {
		log.Fatal("config: no listen.tcp or listen.ws, nothing to do")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Infof("mycobridge running")
	select {
	case sig := <-sigCh:
		log.Infof("signal %v, shutting down", sig)
	case <-a.StopChan():
	}

	a.Stop()
	dispatcher.Close()
	ingestor.Close()
	snk.Close()
	a.Wait()
	log.Infof("bye")
}

func listenTCP(a *alive.Alive, d *dispatch.Dispatcher, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal(errors.Annotatef(err, "listen tcp=%s", addr))
	}
	log.Infof("listen tcp=%s", addr)
	a.Add(1)
	defer a.Done()
	go func() {
		<-a.StopChan()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !a.IsRunning() {
				return
			}
			log.Errorf("accept tcp err=%v", err)
			continue
		}
		log.Infof("link tcp remote=%s", conn.RemoteAddr())
		d.Accept(transport.NewTCP(conn, 0))
	}
}

func listenWS(a *alive.Alive, d *dispatch.Dispatcher, addr, path string) {
	if path == "" {
		path = "/mdp"
	}
	upgrader := websocket.Upgrader{
		// devices authenticate with hello, not origin
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("ws upgrade remote=%s err=%v", r.RemoteAddr, err)
			return
		}
		log.Infof("link ws remote=%s", r.RemoteAddr)
		d.Accept(transport.NewRelay(c, 0))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	a.Add(1)
	go func() {
		defer a.Done()
		<-a.StopChan()
		_ = srv.Close()
	}()
	log.Infof("listen ws=%s path=%s", addr, path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(errors.Annotatef(err, "listen ws=%s", addr))
	}
}
