// Command swgen writes the browser service worker script for a config file,
// for deployments where the origin serves /sw.js itself.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"

	conf "github.com/microcosm-cc/modelcache/config"
	"github.com/microcosm-cc/modelcache/server"
)

var (
	configPath = flag.String("config", conf.ConfigFilePath, "path to the config file")
	out        = flag.String("out", "", "write the script here instead of stdout")
)

func main() {
	// Also used to init glog
	flag.Parse()
	defer glog.Flush()

	cfg, err := conf.Load(*configPath)
	if err != nil {
		glog.Fatal(err)
	}

	body, err := server.RenderServiceWorker(cfg.Manifest)
	if err != nil {
		glog.Fatal(err)
	}

	if *out == "" {
		if _, err := os.Stdout.Write(body); err != nil {
			glog.Fatal(err)
		}
		return
	}

	if err := os.WriteFile(*out, body, 0o644); err != nil {
		glog.Fatal(err)
	}
	if glog.V(2) {
		glog.Infof("Wrote %s for %s", *out, cfg.Manifest.Version())
	}
}
