// Package weaver is the public entry point of probeweaver, an engine that
// keeps the instrumentation of a running process in step with what its
// consumers want to observe.
//
// # Quick Start
//
// A host program supplies the three process-facing pieces: a [Target] that
// resolves, fetches and redefines classes, a [Dispatcher] that suspends and
// resumes event delivery, and a [Rewriter] that turns a class body and a
// list of dirty members into new code. Everything else is driven from a
// configuration file:
//
//	c, err := weaver.Open("probeweaver.yaml", target, dispatcher, rewriter, prometheus.DefaultRegisterer)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	key := weaver.NewConsumerKey()
//	_ = c.Attach(key)
//	loc := weaver.Location{Type: "com.acme.Cart", Member: "add", Signature: "(I)V"}
//	if _, err := c.EnableMethodEvent(ctx, key, weaver.KindVirtualMethodEnter, loc, true); err != nil {
//		log.Fatal(err)
//	}
//
// # API Overview
//
// The package provides:
//   - Construction: [New], [Open]
//   - Consumer identity: [NewConsumerKey]
//   - Failure handling: [ErrorPolicy] and the Policy constants
//   - Version information: [GetInfo], [Version]
//
// # Configuration
//
// The file read by [Open] is YAML:
//
//	loader: app
//	error_policy: resume      # halt, resume or detach
//	auto_flush:
//	  enabled: true
//	  rate: 10                # cycles per second
//	  burst: 2
//	fetch:
//	  concurrency: 8
//	  retries: 5
//	  backoff: 100ms
//	class_cache: 512
//	capture_origin: false
//	state_dir: /var/lib/probeweaver
//	dump_dir: ""
//	log:
//	  level: info
//	  format: json            # json or console
//	metrics:
//	  namespace: probeweaver
//
// # Command Line
//
// The probeweaver command inspects and verifies saved state files, checks
// configuration files and shows how array bounds compact:
//
//	$ probeweaver inspect /var/lib/probeweaver/session.state
//	$ probeweaver compact 13:15 18:24 11:20
package weaver
