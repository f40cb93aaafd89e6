// Package court defines the domain types shared by the crawl coordination subsystem:
// tasks and claims for the work queue, ledger search records, the per-category case
// record variant, and the capability interfaces (queue, ledger, repository, session)
// that the orchestrator is written against.
package court
