/*
Package manifest is the YAML shape an operator writes to describe a
pipeline without code: which external programs back which executor_ref,
and which workflow templates fire on a cron schedule.

	executors:
	  convert:
	    command: ["contimg-convert"]
	    timeout: 5m
	workflows:
	  - name: nightly_calibration
	    queue: ingest
	    cron: "0 2 * * *"
	    stages:
	      - name: solve
	        executor_ref: calibration_solve

BuildRegistry turns the executors section into a worker.Registry,
RegisterTriggers turns the workflows section into scheduler.CronTrigger
registrations. A workflow with no cron schedule is a template an operator
submits manually via cmd/coordinatorctl's apply-workflow subcommand rather
than something this package registers on its own.
*/
package manifest
