package database

import "github.com/Tjy5/pdf-exam-question-extractor/app/model"

func AutoMigrate() error {
	// 自动迁移表结构
	return DB.AutoMigrate(
		&model.Task{},
		&model.TaskStep{},
		&model.TaskEvent{},
	)
}
