package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandNodelist(t *testing.T) {
	for _, test := range []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"node1", []string{"node1"}},
		{"node[1-3]", []string{"node1", "node2", "node3"}},
		{"node[1-2,5] other", []string{"node1", "node2", "node5", "other"}},
		{"a[1,3],b7", []string{"a1", "a3", "b7"}},
		{"n[08-10]", []string{"n08", "n09", "n10"}},
	} {
		got, err := expandNodelist(test.in)
		require.NoError(t, err, test.in)
		require.Equal(t, test.want, got, test.in)
	}
}

func TestExpandNodelistErrors(t *testing.T) {
	for _, in := range []string{"node[1-x]", "node[3-1]", "node[1-2", "[1-2]"} {
		_, err := expandNodelist(in)
		require.Error(t, err, in)
	}
}

func TestLocalCommands(t *testing.T) {
	cmds := localCommands(3, "prog", []string{"-v"})
	require.Len(t, cmds, 3)
	require.Equal(t, []string{"prog", "-v", "-mpi-addr", ":5001", "-mpi-alladdr", ":5000,:5001,:5002"}, cmds[1].Args)
}

func TestSlurmCommands(t *testing.T) {
	cmds, err := slurmCommands("c[1-2]", 4, "prog", []string{"-x"})
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, []string{
		"srun", "-N", "1", "-n", "1", "-c", "4", "--nodelist", "c2", "prog", "-x",
		"-mpi-addr", "c2:5001", "-mpi-alladdr", "c1:5000,c2:5001",
	}, cmds[1].Args)

	_, err = slurmCommands("", 4, "prog", nil)
	require.Error(t, err)
	_, err = slurmCommands("c1", 0, "prog", nil)
	require.Error(t, err)
}

func TestLaunchReportsFailure(t *testing.T) {
	cmds := localCommands(2, "/nonexistent/program", nil)
	require.Error(t, launch(cmds))
}
