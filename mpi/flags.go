package mpi

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

// Values of the -mpi-* flags. They provide the defaults for the fields of
// Network, and are only meaningful after flag.Parse.
var (
	FlagAddr        string
	FlagAllAddrs    AddrsFlag
	FlagInitTimeout DurationFlag
	FlagProtocol    string
	FlagPassword    string
	FlagDialBackoff = DurationFlag(300 * time.Millisecond)
)

// AddrsFlag is a comma separated list of addresses. Repeated flags append.
type AddrsFlag []string

func (m *AddrsFlag) String() string {
	return strings.Join(*m, ",")
}

func (m *AddrsFlag) Set(value string) error {
	for _, str := range strings.Split(value, ",") {
		str = strings.TrimSpace(str)
		if str == "" {
			return fmt.Errorf("empty address in %q", value)
		}
		*m = append(*m, str)
	}
	return nil
}

type DurationFlag time.Duration

func (m *DurationFlag) String() string {
	return time.Duration(*m).String()
}

func (m *DurationFlag) Set(value string) error {
	dur, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if dur < 0 {
		return fmt.Errorf("negative duration %v", dur)
	}
	*m = DurationFlag(dur)
	return nil
}

func init() {
	flag.StringVar(&FlagAddr, "mpi-addr", "", "address of the local running process")
	flag.Var(&FlagAllAddrs, "mpi-alladdr", "addresses of all of the processes as comma separated values")
	flag.Var(&FlagInitTimeout, "mpi-inittimeout", "duration to wait before timeout in init")
	flag.StringVar(&FlagProtocol, "mpi-protocol", "tcp", "communication protocol to use")
	flag.StringVar(&FlagPassword, "mpi-password", "", "value to use for salting the mpi connection")
	flag.Var(&FlagDialBackoff, "mpi-dialbackoff", "initial delay between dial attempts during init")
}

// applyFlags fills the zero-valued fields of n from the flags.
func (n *Network) applyFlags() {
	if n.NetProto == "" {
		n.NetProto = FlagProtocol
	}
	if n.NetProto == "" {
		n.NetProto = "tcp"
	}
	if n.Password == "" {
		n.Password = FlagPassword
	}
	if n.Timeout == 0 {
		n.Timeout = time.Duration(FlagInitTimeout)
	}
	if n.DialBackoff == 0 {
		n.DialBackoff = time.Duration(FlagDialBackoff)
	}
	if n.DialBackoff <= 0 {
		n.DialBackoff = 300 * time.Millisecond
	}
	if n.Addr == "" {
		n.Addr = FlagAddr
	}
	if len(n.Addrs) == 0 {
		n.Addrs = append([]string(nil), FlagAllAddrs...)
	}
}
