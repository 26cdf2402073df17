package main

import (
	"log"
	"os"
	"time"

	"github.com/alanrevans/yxa/sip"
)

func main() {
	log.SetOutput(os.Stdout)

	config, err := LoadConfig()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}
	cfg = config

	sip.RecieveBufSizeB = 9000
	sip.LogLevel = cfg.LogLevel

	register = NewRegisterController("/dev/shm/yxa-reg.sqlite")
	if register == nil {
		log.Fatalf("could not open location store")
	}

	udb := NewUserDB(cfg, register, "/dev/shm/yxa-users.sqlite")
	if udb == nil {
		log.Fatalf("could not open user database")
	}
	if !udb.ImportSubscribers(cfg.SubscriberFile) {
		log.Fatalf("could not import subscribers from %q", cfg.SubscriberFile)
	}
	if _, err := os.Stat(cfg.AddressFile); err == nil {
		if !udb.ImportAddresses(cfg.AddressFile) {
			log.Fatalf("could not import addresses from %q", cfg.AddressFile)
		}
	}
	if _, err := os.Stat(cfg.ClassFile); err == nil {
		if !udb.ImportClasses(cfg.ClassFile) {
			log.Fatalf("could not import classes from %q", cfg.ClassFile)
		}
	}
	userdb = udb

	authenticater = NewAuthenticator(cfg, userdb)
	routes = NewLocationLookup(cfg, userdb, register)
	responseContexts = NewResponseCtxs()

	var pidfStore PidfStore
	if cfg.RedisAddr != "" {
		pidfStore = NewRedisPidfStore(cfg.RedisAddr)
	} else {
		store := NewSqlitePidfStore("/dev/shm/yxa-presence.sqlite")
		if store == nil {
			log.Fatalf("could not open presence store")
		}
		pidfStore = store
	}
	eventServer = NewEventServer(cfg, authenticater, userdb, pidfStore)

	if cfg.MonitorAddr != "" {
		monitor := NewMonitorServer(register, pidfStore)
		go func() {
			if err := monitor.ListenAndServe(cfg.MonitorAddr); err != nil {
				log.Printf("monitor server stopped: %v", err)
			}
		}()
	}

	go func() {
		for {
			time.Sleep(time.Second * 30)
			requests, responses := stat.Snapshot()
			log.Printf("Requests handled: %v\n", requests)
			log.Printf("Responses sent: %v\n", responses)
		}
	}()

	sip.HandleFunc(sip.LayerParserIngress, "module sip message stats", messageStatHandler)
	sip.HandleFunc(sip.LayerParserEgress, "module sip message stats", messageStatHandler)
	sip.HandleFunc(sip.LayerCore, "module sip core(proxy)", proxyCoreHandler)
	sip.HandleFunc(sip.LayerTransaction, "module sip core-transaction(proxy)", proxyCoreHandler)
	if err := sip.ListenAndServe(cfg.ListenAddr, nil); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
