// Package database opens the SQLite file used by the sqlite device store and
// applies the embedded schema migrations.
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are forward-only; importing the migrations package registers
// them. All queries are parameterised.
package database
