package main

import (
	"os"

	ot "github.com/opentracing/opentracing-go"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	config "github.com/rangelab-io/rangelab-core/config"
	"github.com/rangelab-io/rangelab-core/db"
	ingestors "github.com/rangelab-io/rangelab-core/db/ingestors"
	"github.com/rangelab-io/rangelab-core/injector"
	"github.com/rangelab-io/rangelab-core/network"
	orchestrator "github.com/rangelab-io/rangelab-core/orchestrator"
	"github.com/rangelab-io/rangelab-core/services"
	stats "github.com/rangelab-io/rangelab-core/stats"
	"github.com/rangelab-io/rangelab-core/vm"
)

func init() {
	log.SetLevel(log.DebugLevel)
}

func main() {

	app := cli.NewApp()
	app.Name = "rangelabd"
	app.Version = buildInfo["buildVersion"]
	app.Usage = "The primary back-end service for the Rangelab platform"

	var configFile string

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config",
			Usage:       "Configuration file for rangelabd",
			Value:       "/etc/rangelab/rangelab-config.yml",
			Destination: &configFile,
		},
	}

	app.Action = func(c *cli.Context) error {

		log.Infof("rangelabd (%s) starting.", buildInfo["buildVersion"])

		config, err := config.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("Failed to read configuration: %v", err)
		}

		tracer, closer := services.InitTracing(config.InstanceID)
		ot.SetGlobalTracer(tracer)
		defer closer.Close()

		// Initialize DataManager
		rdb := db.NewRDMInMem()
		err = ingestors.ImportLabs(nil, rdb, config.LabDir)
		if err != nil {
			log.Fatal(err)
		}

		nc, err := nats.Connect(config.NATSUrl)
		if err != nil {
			log.Fatal(err)
		}
		defer nc.Close()

		if config.IsServiceEnabled("orchestrator") {

			alloc, err := network.NewAllocator(config)
			if err != nil {
				log.Fatalf("Problem initializing network allocator: %s", err)
			}

			vms := vm.NewManager(config, vm.NewVirshHypervisor(config.Hypervisor.URI), alloc)
			inj := injector.NewInjector(config, &injector.SSHDialer{})

			orch := orchestrator.NewOrchestrator(config, rdb, vms, inj, nc)
			orch.BuildInfo = buildInfo

			go func() {
				err = orch.Start()
				if err != nil {
					log.Fatalf("Problem starting session orchestrator: %s", err)
				}
			}()
			log.Info("Orchestrator started.")
		}

		if config.IsServiceEnabled("stats") {
			stats := &stats.RangelabStats{
				Config: config,
				Db:     rdb,
				NC:     nc,
			}
			go func() {
				err = stats.Start()
				if err != nil {
					log.Fatalf("Problem starting Stats: %s", err)
				}
			}()
			log.Info("Stats service started.")
		}

		// Wait forever
		ch := make(chan struct{})
		<-ch

		return nil
	}
	app.Run(os.Args)
}
