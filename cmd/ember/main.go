package main

import (
	"fmt"
	"log"

	"github.com/alpoloz/ember"
)

func main() {
	db, err := ember.Open("example.ember", nil)
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if err := db.Update(func(tx *ember.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte("config"))
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte("name"), []byte("ember")); err != nil {
			return err
		}
		if err := bucket.Put([]byte("version"), []byte("1")); err != nil {
			return err
		}
		child, err := bucket.CreateBucketIfNotExists([]byte("nested"))
		if err != nil {
			return err
		}
		return child.Put([]byte("feature"), []byte("bptree"))
	}); err != nil {
		log.Fatalf("update failed: %v", err)
	}

	if err := db.View(func(tx *ember.Tx) error {
		bucket := tx.Bucket([]byte("config"))
		if bucket == nil {
			return fmt.Errorf("missing bucket")
		}
		val := bucket.Get([]byte("name"))
		fmt.Printf("name=%s\n", val)

		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			fmt.Printf("%s=%s\n", k, v)
		}

		stats := db.Stats()
		fmt.Printf("pages=%d free=%d pending=%d\n", stats.NumPages, stats.FreePages, stats.PendingPages)
		return nil
	}); err != nil {
		log.Fatalf("view failed: %v", err)
	}
}
