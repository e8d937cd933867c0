/*Package herd brings up PDB clusters on a single machine and runs integration
tests against them.

A run is a sequence of phases. Each phase resets the environment, starts a
topology (a standalone server, or a coordinator plus an ordered list of
workers that are registered one by one), runs client workloads against it and
records the outcome. Every process a phase starts is owned by that phase and is
stopped when the phase ends, whether it passed or failed.

The same bring-up can run as a long-lived pseudo cluster for manual testing.
*/
package herd
