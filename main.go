package main

import "github.com/Tjy5/pdf-exam-question-extractor/cmd"

func main() {
	cmd.Execute()
}
