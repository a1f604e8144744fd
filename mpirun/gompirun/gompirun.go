/*
gompirun is a helper for launching mpi jobs, either on the local machine or
within a slurm allocation.

Since Go is good at shared memory, generally programs should use Go's primitives
rather than MPI in a shared-memory environment. However, running locally can be
helpful for debugging and prototyping.

Locally, gompirun takes the number of instances to launch and the command to
run. Any additional arguments are passed to the program. Instances listen on
ports 5000 upwards.
	go install github.com/btracey/parmat/mpirun/gompirun
	gompirun 8 programname -otherflag=value

Within a slurm allocation, gompirun launches one instance per allocated node
with srun. The number of instances is taken from the allocation; -cores sets
the number of cores per instance.
	salloc -N6 -c12
	gompirun -slurm -cores 12 programname -otherflag=value
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

const basePort = 5000

var (
	slurm = flag.Bool("slurm", false, "launch one instance per node of the slurm allocation in SLURM_JOB_NODELIST")
	cores = flag.Int("cores", 1, "with -slurm, cores per instance")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n\tgompirun N program [args...]\n\tgompirun -slurm [-cores C] program [args...]\n")
	flag.PrintDefaults()
}

func main() {
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()

	var (
		cmds []*exec.Cmd
		err  error
	)
	if *slurm {
		if len(args) < 1 {
			usage()
			os.Exit(2)
		}
		cmds, err = slurmCommands(os.Getenv("SLURM_JOB_NODELIST"), *cores, args[0], args[1:])
	} else {
		if len(args) < 2 {
			usage()
			os.Exit(2)
		}
		var nNodes int
		nNodes, err = strconv.Atoi(args[0])
		if err == nil && nNodes < 1 {
			err = errors.E(errors.Invalid, "number of nodes must be positive")
		}
		if err == nil {
			cmds = localCommands(nNodes, args[1], args[2:])
		}
	}
	if err != nil {
		log.Fatal(err)
	}
	if err := launch(cmds); err != nil {
		log.Fatal(err)
	}
}

// localCommands returns the commands running nNodes instances of execName
// on local ports.
func localCommands(nNodes int, execName string, args []string) []*exec.Cmd {
	addrs := make([]string, nNodes)
	for i := range addrs {
		addrs[i] = ":" + strconv.Itoa(basePort+i)
	}
	all := strings.Join(addrs, ",")
	cmds := make([]*exec.Cmd, nNodes)
	for i, addr := range addrs {
		a := append(append([]string(nil), args...), "-mpi-addr", addr, "-mpi-alladdr", all)
		cmds[i] = exec.Command(execName, a...)
		cmds[i].Stdin = os.Stdin
	}
	return cmds
}

// slurmCommands returns the srun commands running one instance of program on
// each node of nodelist.
func slurmCommands(nodelist string, nCores int, program string, args []string) ([]*exec.Cmd, error) {
	if nCores < 1 {
		return nil, errors.E(errors.Invalid, "must have at least one core")
	}
	nodes, err := expandNodelist(nodelist)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.E(errors.Invalid, "SLURM_JOB_NODELIST is empty; run within an allocation")
	}
	addrs := make([]string, len(nodes))
	for i, node := range nodes {
		addrs[i] = node + ":" + strconv.Itoa(basePort+i)
	}
	all := strings.Join(addrs, ",")
	cmds := make([]*exec.Cmd, len(nodes))
	for i, node := range nodes {
		a := []string{"-N", "1", "-n", "1", "-c", strconv.Itoa(nCores), "--nodelist", node, program}
		a = append(a, args...)
		a = append(a, "-mpi-addr", addrs[i], "-mpi-alladdr", all)
		cmds[i] = exec.Command("srun", a...)
	}
	return cmds, nil
}

// launch runs all of the commands concurrently and waits for them. It
// returns the first failure.
func launch(cmds []*exec.Cmd) error {
	var g errgroup.Group
	for i, cmd := range cmds {
		i, cmd := i, cmd
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(func() error {
			log.Debug.Printf("launching instance %d: %s", i, strings.Join(cmd.Args, " "))
			if err := cmd.Run(); err != nil {
				return errors.E(fmt.Sprintf("instance %d (%s)", i, cmd.Path), err)
			}
			return nil
		})
	}
	return g.Wait()
}
