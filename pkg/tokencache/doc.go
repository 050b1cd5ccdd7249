// Package tokencache reuses identity provider admin tokens across requests.
//
// Without it every provisioning run performs two admin password grants. Source keeps
// the token in a Store until shortly before expiry and collapses concurrent refreshes
// with singleflight. MemoryStore serves a single replica; RedisStore shares tokens
// between replicas.
//
//	store := tokencache.NewMemoryStore(16, 5*time.Minute)
//	source := tokencache.New(adminSource, store, adminSource.Issuer(),
//		tokencache.WithSkew(10*time.Second))
package tokencache
