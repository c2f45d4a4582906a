// Package announce advertises a running syncd on the local network over
// mDNS/DNS-SD and lets clients find it.
package announce

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

const (
	// Service is the DNS-SD service type syncd registers under.
	Service = "_tablesync._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// ProtocolVersion is advertised in the TXT record.
	ProtocolVersion = "1"
)

// Announcer keeps one service registration alive until Shutdown.
type Announcer struct {
	server   *zeroconf.Server
	instance string
	port     int
}

// InstanceName returns the service instance name for this host.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("tablesync-%s", strings.Split(host, ".")[0])
}

// TXT returns the TXT record entries advertised for a server.
// adminAddr may be empty when the admin API is disabled.
func TXT(adminAddr string) []string {
	txt := []string{"v=" + ProtocolVersion}
	if adminAddr != "" {
		txt = append(txt, "admin="+adminAddr)
	}
	return txt
}

// Start registers instance on port. An empty instance uses InstanceName.
func Start(instance string, port int, txt []string) (*Announcer, error) {
	if instance == "" {
		instance = InstanceName()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, errors.Wrap(err, "register mDNS service failed")
	}
	logger.WithFields(logrus.Fields{
		"instance": instance,
		"service":  Service,
		"port":     port,
	}).Info("mDNS service registered")
	return &Announcer{server: server, instance: instance, port: port}, nil
}

// Instance returns the registered instance name.
func (a *Announcer) Instance() string { return a.instance }

// Shutdown withdraws the registration.
func (a *Announcer) Shutdown() {
	a.server.Shutdown()
	logger.WithField("instance", a.instance).Info("mDNS service withdrawn")
}

// Found is one discovered server.
type Found struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	Text     []string
}

// Addr returns a dialable host:port, preferring IPv4.
func (f Found) Addr() string {
	if len(f.Addrs) > 0 {
		return net.JoinHostPort(f.Addrs[0].String(), fmt.Sprint(f.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(f.Host, "."), fmt.Sprint(f.Port))
}

func fromEntry(e *zeroconf.ServiceEntry) Found {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Found{
		Instance: e.Instance,
		Host:     e.HostName,
		Addrs:    addrs,
		Port:     e.Port,
		Text:     e.Text,
	}
}

// Discover browses for servers until wait passes or ctx ends.
func Discover(ctx context.Context, wait time.Duration) ([]Found, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create mDNS resolver failed")
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, errors.Wrap(err, "browse mDNS services failed")
	}

	seen := make(map[string]bool)
	var found []Found
	for {
		select {
		case <-ctx.Done():
			return found, nil
		case e, ok := <-entries:
			if !ok {
				return found, nil
			}
			if seen[e.Instance] {
				continue
			}
			seen[e.Instance] = true
			found = append(found, fromEntry(e))
		}
	}
}
