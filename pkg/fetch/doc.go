// Package fetch provides result aggregation over paginated list methods.
//
// List methods serve fixed pages of client.PageSize records. The
// Fetcher hides the paging:
//
//   - Fetch performs one call and shapes a single page.
//   - FetchAll discovers the record total on the first page, prepares
//     one command per remaining page and submits them as batch
//     round-trips of up to client.MaxBatchCommands commands each,
//     awaited in order.
//   - FastFetchAll walks the dataset with a rolling primary key cursor
//     instead of offsets. The portal skips record counting in this
//     mode, which keeps response times flat on large datasets.
//
// Aggregation is all or nothing: any failed call, failed batch command
// or undecodable page aborts the aggregation and no partial records are
// returned. Raw client calls stay recoverable; only the aggregation
// paths make this trade.
//
// # Choosing FetchAll or FastFetchAll
//
// FetchAll preserves the caller's ordering and reports the portal's
// record total, at the cost of the portal counting records on every
// page. FastFetchAll forces ordering by primary key and reports no
// server total, but its cost per round stays constant no matter how
// deep the dataset is. Both expect the dataset to hold still while
// draining; concurrent inserts or deletes shift offsets or move the
// cursor.
//
// # Basic Usage
//
//	restClient, err := client.New(client.DefaultConfig(endpoint))
//	if err != nil {
//		return err
//	}
//
//	fetcher := fetch.New(restClient)
//
//	res, err := fetcher.FetchAll(ctx, "crm.deal.list", client.Params{
//		"order":  map[string]any{"ID": "ASC"},
//		"filter": map[string]any{"CATEGORY_ID": 0},
//		"select": []string{"ID", "TITLE", "OPPORTUNITY"},
//	}, fetch.Options{})
//	if err != nil {
//		return err
//	}
//
//	deals, err := fetch.Decode[Deal](res)
//
// # Nested Record Lists
//
// Some method families nest their records under a result subkey.
// Options.Getter names it:
//
//	res, err := fetcher.FetchAll(ctx, "tasks.task.list", client.Params{
//		"FILTER": map[string]any{"RESPONSIBLE_ID": 1},
//	}, fetch.Options{Getter: "tasks"})
package fetch
