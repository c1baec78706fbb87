// Package redis implements storage.Store on a shared Redis deployment so
// several registry nodes can serve the same tickets.
//
// Layout
//   - Entity:   <prefix>t:<table>:<key>  JSON document with typed fields
//   - Children: <prefix>c:<parentKey>    set of "<table>|<key>" members
//
// Design Notes
//   - Create, update and delete run as Lua scripts so the entity and the
//     children set change together.
//   - Update never resurrects a key removed by a concurrent delete.
//   - Scan collects every key with SCAN before fetching bodies with MGET.
//     Keys written after the range starts are never observed; an entity
//     updated mid-scan may be returned in either version.
//
// The scripts touch keys derived at runtime and are therefore not safe
// for Redis Cluster; use a single primary with replicas.
//
// Example:
//
//	store, err := redis.NewFromEnv()
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package redis
