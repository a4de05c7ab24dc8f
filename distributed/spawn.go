package distributed

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProcIDEnv carries the process index of a spawned worker. When set, the
// binary is a worker and must run that worker's training instead of
// spawning.
const ProcIDEnv = "PRETRAIN_PROC_ID"

// ProcID returns the process index from the environment and whether this
// process is a spawned worker.
func ProcID() (int, bool) {
	value, found := os.LookupEnv(ProcIDEnv)
	if !found {
		return 0, false
	}
	procID, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return procID, true
}

// SpawnWorkers starts numProcs copies of the current binary, one operating
// system process per participant, each re-invoked with the same arguments
// plus its process index in ProcIDEnv. It waits for all of them and returns
// the combined error of every worker that failed.
func SpawnWorkers(numProcs int) error {
	if numProcs < 1 {
		return pkgerrors.Errorf("cannot spawn %d worker processes", numProcs)
	}
	executable, err := os.Executable()
	if err != nil {
		return pkgerrors.Wrap(err, "cannot locate the current binary to re-invoke")
	}
	procs := make([]*exec.Cmd, numProcs)
	for procID := range numProcs {
		cmd := exec.Command(executable, os.Args[1:]...)
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", ProcIDEnv, procID))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err = cmd.Start(); err != nil {
			err = pkgerrors.Wrapf(err, "failed starting worker process %d", procID)
			// Workers already running will fail their rendezvous and exit.
			break
		}
		klog.V(1).Infof("spawned worker process %d (pid %d)", procID, cmd.Process.Pid)
		procs[procID] = cmd
	}

	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for procID, cmd := range procs {
		if cmd == nil {
			continue
		}
		if waitErr := cmd.Wait(); waitErr != nil {
			errs = append(errs, pkgerrors.Wrapf(waitErr, "worker process %d failed", procID))
		}
	}
	return errors.Join(errs...)
}
